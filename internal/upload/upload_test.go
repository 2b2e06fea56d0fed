package upload_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blueconsole/internal/console"
	"github.com/srg/blueconsole/internal/gatt"
	"github.com/srg/blueconsole/internal/testutils"
	"github.com/srg/blueconsole/internal/transport/simulated"
	"github.com/srg/blueconsole/internal/upload"
)

// consolePeripheral exposes the console service and answers with reply
// for every complete line it receives.
func consolePeripheral(reply func(line string) string) *simulated.Peripheral {
	p := simulated.NewPeripheral("AA:BB:CC:DD:EE:10", "console", -50).
		AddService(gatt.CommsService,
			simulated.NewCharacteristic(gatt.InputChar, []byte{}),
			simulated.NewCharacteristic(gatt.OutputChar, nil))
	var line []byte
	p.OnWrite = func(p *simulated.Peripheral, w simulated.Write) {
		if w.Char != gatt.OutputChar {
			return
		}
		for _, c := range w.Data {
			if c != '\n' {
				line = append(line, c)
				continue
			}
			text := string(line)
			line = line[:0]
			if reply == nil {
				continue
			}
			if out := reply(text); out != "" {
				p.Notify(gatt.InputChar, []byte(out))
			}
		}
	}
	return p
}

type UploaderTestSuite struct {
	suite.Suite

	out *bytes.Buffer
	rig *testutils.Rig
}

func (s *UploaderTestSuite) SetupTest() {
	s.out = &bytes.Buffer{}
	s.rig = testutils.NewRig(s.T(), console.Options{Transcript: console.NewTranscript(s.out, 0)})
}

func (s *UploaderTestSuite) bind(p *simulated.Peripheral) {
	dev := s.rig.Discover(p)
	s.Require().True(s.rig.ConnectConsole(dev))
	p.ResetWrites()
	s.rig.Statuses = nil
}

func (s *UploaderTestSuite) TestUpload_CompletesOnSecondOK() {
	board := simulated.NewBasicDevice("AA:BB:CC:DD:EE:01", "BASIC#1", "BASIC/20140101", -50)
	s.bind(board.Peripheral)
	u := upload.New(s.rig.Console, upload.DefaultOptions())

	var result *bool
	u.Upload([]string{"10 PRINT \"HI\"", "20 GOTO 10"}, func(ok bool) { result = &ok })
	s.rig.Queue.RunUntilIdle()

	s.Require().NotNil(result)
	s.True(*result)
	s.Equal([]string{"10 PRINT \"HI\"", "20 GOTO 10"}, board.Program())
	s.Equal(console.StatusConnected, s.rig.Console.Status())
	s.Equal(100, u.Progress())
	s.Equal("OK\n", s.out.String(), "the first OK is shown, the second is consumed")

	testutils.NewTextAsserter(s.T()).Equal(`
rsp d6af9b3c "NEW\n"
rsp d6af9b3c "10 PRINT \"HI\"\n"
rsp d6af9b3c "20 GOTO 10\n"
rsp d6af9b3c "END\n"
`, testutils.WireLog(board.WritesTo(gatt.OutputChar)))

	s.Contains(s.rig.Statuses, console.Sending(0))
	s.Contains(s.rig.Statuses, console.Sending(100))
	s.Equal(console.StatusConnected, s.rig.Statuses[len(s.rig.Statuses)-1])
}

func (s *UploaderTestSuite) TestUpload_LeaseReleasedAfterCompletion() {
	board := simulated.NewBasicDevice("AA:BB:CC:DD:EE:01", "BASIC#1", "BASIC/20140101", -50)
	s.bind(board.Peripheral)
	u := upload.New(s.rig.Console, upload.DefaultOptions())

	u.Upload(nil, nil)
	s.rig.Queue.RunUntilIdle()
	s.out.Reset()

	s.rig.Type("RUN\n")
	s.Equal("OK\n", s.out.String(), "text after the upload MUST reach the transcript")
}

func (s *UploaderTestSuite) TestUpload_OneOKThenDisconnectNeverCompletes() {
	p := consolePeripheral(func(line string) string {
		if line == "NEW" {
			return "OK\n"
		}
		return ""
	})
	s.bind(p)
	u := upload.New(s.rig.Console, upload.DefaultOptions())

	fired := false
	u.Upload([]string{"10 REM"}, func(bool) { fired = true })
	s.rig.Queue.RunUntilIdle()
	s.False(fired)

	s.rig.Console.Disconnect(nil)
	s.rig.Queue.Drain()

	s.False(fired, "a torn-down upload MUST NOT report")
	s.Equal(console.StatusNotConnected, s.rig.Console.Status())
}

func (s *UploaderTestSuite) TestUpload_LinkLossAbandonsTransfer() {
	p := consolePeripheral(func(line string) string {
		if line == "NEW" {
			return "OK\n"
		}
		return ""
	})
	s.bind(p)
	u := upload.New(s.rig.Console, upload.DefaultOptions())

	fired := false
	u.Upload([]string{"10 REM"}, func(bool) { fired = true })
	s.rig.Queue.RunUntilIdle()

	p.Drop()
	s.rig.Queue.RunUntilIdle()
	s.Equal(console.StatusNotConnected, s.rig.Console.Status())

	s.rig.Queue.Advance(31 * time.Second)
	s.False(fired, "a dropped upload MUST NOT report")
	s.Equal(console.StatusNotConnected, s.rig.Console.Status())
	s.False(s.rig.Console.IsConnected())
}

func (s *UploaderTestSuite) TestUpload_IgnoresOtherReplies() {
	p := consolePeripheral(func(line string) string {
		switch line {
		case "NEW":
			return "OK\n"
		case "10 X=":
			return "ERROR\n"
		case "END":
			return "ok\n"
		}
		return ""
	})
	s.bind(p)
	u := upload.New(s.rig.Console, upload.Options{})

	fired := false
	u.Upload([]string{"10 X="}, func(bool) { fired = true })
	s.rig.Queue.RunUntilIdle()

	s.False(fired)
	s.Equal("OK\nERROR\nok\n", s.out.String())

	p.Notify(gatt.InputChar, []byte("OK\n"))
	s.rig.Queue.RunUntilIdle()
	s.True(fired)
}

func (s *UploaderTestSuite) TestUpload_AckTimeout() {
	s.bind(consolePeripheral(nil))
	u := upload.New(s.rig.Console, upload.Options{AckTimeout: 30 * time.Second})

	var result *bool
	u.Upload([]string{"10 REM"}, func(ok bool) { result = &ok })
	s.rig.Queue.RunUntilIdle()

	s.rig.Queue.Advance(29 * time.Second)
	s.Nil(result)

	s.rig.Queue.Advance(time.Second)
	s.Require().NotNil(result)
	s.False(*result)
	s.Equal(console.StatusConnected, s.rig.Console.Status())
}

func (s *UploaderTestSuite) TestUpload_ActivityRearmsTimeout() {
	p := consolePeripheral(nil)
	s.bind(p)
	u := upload.New(s.rig.Console, upload.Options{AckTimeout: 30 * time.Second})

	var result *bool
	u.Upload(nil, func(ok bool) { result = &ok })
	s.rig.Queue.RunUntilIdle()

	s.rig.Queue.Advance(20 * time.Second)
	p.Notify(gatt.InputChar, []byte("OK\n"))
	s.rig.Queue.RunUntilIdle()
	s.rig.Queue.Advance(20 * time.Second)
	s.Nil(result)

	s.rig.Queue.Advance(10 * time.Second)
	s.Require().NotNil(result)
	s.False(*result)
}

func (s *UploaderTestSuite) TestUpload_ZeroTimeoutWaitsForever() {
	s.bind(consolePeripheral(nil))
	u := upload.New(s.rig.Console, upload.Options{})

	fired := false
	u.Upload(nil, func(bool) { fired = true })
	s.rig.Queue.Drain()

	s.False(fired)
	s.Equal(0, s.rig.Queue.PendingTimers())
}

func (s *UploaderTestSuite) TestUpload_RequiresConnectedConsole() {
	u := upload.New(s.rig.Console, upload.DefaultOptions())

	var result *bool
	u.Upload([]string{"10 REM"}, func(ok bool) { result = &ok })
	s.rig.Queue.RunUntilIdle()

	s.Require().NotNil(result)
	s.False(*result)
}

func (s *UploaderTestSuite) TestUpload_RejectsConcurrentUpload() {
	s.bind(consolePeripheral(nil))
	u := upload.New(s.rig.Console, upload.Options{})
	u.Upload(nil, nil)

	var result *bool
	u.Upload(nil, func(ok bool) { result = &ok })
	s.rig.Queue.RunUntilIdle()

	s.Require().NotNil(result)
	s.False(*result)
}

func (s *UploaderTestSuite) TestUpload_ProgressCountsActualWrites() {
	board := simulated.NewBasicDevice("AA:BB:CC:DD:EE:01", "BASIC#1", "BASIC/20140101", -50)
	s.bind(board.Peripheral)
	u := upload.New(s.rig.Console, upload.DefaultOptions())

	// 64 characters plus the newline is 65 units but a single write.
	line := "10 REM " + strings.Repeat("X", 57)
	s.Require().Len(line, 64)

	var result *bool
	u.Upload([]string{line}, func(ok bool) { result = &ok })
	s.rig.Queue.RunUntilIdle()

	s.Require().NotNil(result)
	s.True(*result)
	s.Len(board.WritesTo(gatt.OutputChar), 3)
	s.Equal(100, u.Progress())
}

func (s *UploaderTestSuite) TestUploadReader() {
	board := simulated.NewBasicDevice("AA:BB:CC:DD:EE:01", "BASIC#1", "BASIC/20140101", -50)
	s.bind(board.Peripheral)
	u := upload.New(s.rig.Console, upload.DefaultOptions())

	var result *bool
	err := u.UploadReader(strings.NewReader("10 A=1\r\n20 PRINT A\r\n"), func(ok bool) { result = &ok })
	s.Require().NoError(err)
	s.rig.Queue.RunUntilIdle()

	s.Require().NotNil(result)
	s.True(*result)
	s.Equal([]string{"10 A=1", "20 PRINT A"}, board.Program())
}

func TestUploaderTestSuite(t *testing.T) {
	suite.Run(t, new(UploaderTestSuite))
}

func TestSplitLines(t *testing.T) {
	assert.Nil(t, upload.SplitLines(""))
	assert.Nil(t, upload.SplitLines("\n"))
	assert.Equal(t, []string{"10 A=1"}, upload.SplitLines("10 A=1"))
	assert.Equal(t, []string{"10 A=1", "", "20 B=2"}, upload.SplitLines("10 A=1\n\n20 B=2\n"))
	assert.Equal(t, []string{"10 A=1", "20 B=2"}, upload.SplitLines("10 A=1\r\n20 B=2\r\n"))
}
