package logger

import "testing"

func TestSetupLevels(t *testing.T) {
	cases := []string{"DEBUG", "INFO", "WARN", "ERROR", "garbage"}
	for _, lvl := range cases {
		Setup(lvl, "console")
		if Log == nil {
			t.Fatalf("Setup(%q) left Log nil", lvl)
		}
	}
	Setup("INFO", "json")
	if Log == nil {
		t.Fatal("json setup left Log nil")
	}
}

func TestComponentChild(t *testing.T) {
	Setup("INFO", "console")
	child := Log.Component("device")
	if child == nil || child == Log {
		t.Fatal("Component should return a distinct child logger")
	}
	// Must not panic with odd or non-string key args.
	child.Info("msg", "key", 1, "dangling")
	child.Debug("msg", 42, "value")
}
