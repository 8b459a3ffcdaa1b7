package storage

import (
	"errors"
	"testing"

	logx "pubflow/pkg/logx"
)

var nilLogger = logx.Nop()

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{}, nilLogger)
	if err != nil || st == nil {
		t.Fatalf("Open(default) = %v, %v", st, err)
	}
	_ = st.Close()

	if _, err := Open(Config{Driver: "none"}, nilLogger); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Open(none) err = %v, want ErrDisabled", err)
	}
	if _, err := Open(Config{Driver: "mongo"}, nilLogger); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "sqlite"}, nilLogger); err == nil {
		t.Fatal("expected error for sqlite without path")
	}
	if _, err := Open(Config{Driver: "postgres"}, nilLogger); err == nil {
		t.Fatal("expected error for postgres without dsn")
	}
}
