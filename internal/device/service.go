package device

import (
	"sort"

	"github.com/srg/blueconsole/internal/transport"
)

// Service is a discovered GATT service with its characteristics keyed by
// normalized UUID.
type Service struct {
	uuid  string
	raw   transport.Service
	chars map[string]transport.Characteristic
}

func newService(raw transport.Service) *Service {
	return &Service{
		uuid:  transport.NormalizeUUID(raw.UUID()),
		raw:   raw,
		chars: make(map[string]transport.Characteristic),
	}
}

func (s *Service) fill() {
	for _, ch := range s.raw.Characteristics() {
		s.chars[transport.NormalizeUUID(ch.UUID())] = ch
	}
}

// UUID returns the normalized service UUID.
func (s *Service) UUID() string {
	return s.uuid
}

// Characteristic looks up a characteristic by UUID in any notation.
func (s *Service) Characteristic(uuid string) (transport.Characteristic, bool) {
	ch, ok := s.chars[transport.NormalizeUUID(uuid)]
	return ch, ok
}

// CharacteristicUUIDs returns the sorted characteristic UUIDs.
func (s *Service) CharacteristicUUIDs() []string {
	out := make([]string, 0, len(s.chars))
	for u := range s.chars {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
