package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blueconsole/internal/config"
	"github.com/srg/blueconsole/internal/transport"
	"github.com/srg/blueconsole/internal/transport/simulated"
)

// Test board identity
const (
	TestBoardAddress = "00:00:00:00:00:01"
	TestBoardName    = "BASIC#1"
	TestBoardVersion = "BASIC/20140101"
)

// syncBuffer is written from the dispatch queue and the command at once.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CommandTestSuite runs commands against one simulated board.
// All cmd/blueconsole test suites should embed it.
type CommandTestSuite struct {
	suite.Suite

	Board   *simulated.BasicDevice
	Central *simulated.Central
	// ConfigYAML is written to the config file each test passes with --config.
	ConfigYAML string

	configPath      string
	originalFactory func(context.Context, *config.Config, *logrus.Logger) (transport.Central, error)
}

func (s *CommandTestSuite) SetupSuite() {
	s.originalFactory = centralFactory
}

func (s *CommandTestSuite) TearDownSuite() {
	centralFactory = s.originalFactory
}

func (s *CommandTestSuite) SetupTest() {
	s.Board = simulated.NewBasicDevice(TestBoardAddress, TestBoardName, TestBoardVersion, -48)
	s.Central = simulated.NewCentral(transport.PoweredOn).AddPeripheral(s.Board.Peripheral)
	centralFactory = func(context.Context, *config.Config, *logrus.Logger) (transport.Central, error) {
		return s.Central, nil
	}
	s.ConfigYAML = `
scan:
  timeout: 2s
upload:
  ack_timeout: 2s
firmware:
  reboot_delay: 10ms
  settle_delay: 10ms
  ack_timeout: 2s
`
	s.configPath = filepath.Join(s.T().TempDir(), "config.yaml")
	resetCommandFlags()
}

// ExecuteCommand runs the root command with args and stdin, returns the
// combined output and error.
func (s *CommandTestSuite) ExecuteCommand(stdin string, args ...string) (string, error) {
	s.Require().NoError(os.WriteFile(s.configPath, []byte(s.ConfigYAML), 0o600))

	out := &syncBuffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append(args, "--config", s.configPath))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	err := rootCmd.ExecuteContext(ctx)
	return out.String(), err
}

// WriteFile creates a file in the test's temp dir.
func (s *CommandTestSuite) WriteFile(name string, data []byte) string {
	path := filepath.Join(s.T().TempDir(), name)
	s.Require().NoError(os.WriteFile(path, data, 0o600))
	return path
}

// resetCommandFlags restores flag variables that persist between executions.
func resetCommandFlags() {
	scanDuration, scanPrefix = 0, ""
	consolePTY, consoleReconnect = false, false
	uploadAckTimeout = 0
	firmwareImage = ""
}

func feedYAML(baseURL string) string {
	return fmt.Sprintf("firmware:\n  base_url: %s\n  reboot_delay: 10ms\n  settle_delay: 10ms\n  ack_timeout: 2s\n", baseURL)
}
