package obs

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestTimeLogsOutcome(t *testing.T) {
	l, hook := test.NewNullLogger()
	func() (err error) {
		defer Time(l, "ok")(&err)
		return nil
	}()
	func() (err error) {
		defer Time(l, "bad")(&err)
		return errors.New("boom")
	}()
	entries := hook.AllEntries()
	if len(entries) != 2 {
		t.Fatalf("want 2 entries, got %d", len(entries))
	}
	if entries[0].Level != logrus.InfoLevel || entries[1].Level != logrus.ErrorLevel {
		t.Fatalf("levels %v %v", entries[0].Level, entries[1].Level)
	}
	if entries[1].Data["op"] != "bad" {
		t.Fatalf("fields %v", entries[1].Data)
	}
}

func TestNewLoggerLevel(t *testing.T) {
	if NewLogger("debug").GetLevel() != logrus.DebugLevel {
		t.Fatal("debug not applied")
	}
	if NewLogger("nonsense").GetLevel() != logrus.InfoLevel {
		t.Fatal("fallback level not info")
	}
}
