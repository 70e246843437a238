package echemlab

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestBusError(t *testing.T) {
	cause := errors.New("read /dev/ttyUSB0: i/o timeout")
	err := NewBusError("request", 4, 0x30, ErrTimeout, cause)
	if !errors.Is(err, ErrTimeout) || !errors.Is(err, cause) {
		t.Fatalf("unwrap failed for %v", err)
	}
	if errors.Is(err, ErrChecksum) {
		t.Fatal("unexpected kind")
	}
	want := "request addr=4 cmd=0x30: timeout: read /dev/ttyUSB0: i/o timeout"
	if err.Error() != want {
		t.Fatalf("got %q want %q", err.Error(), want)
	}
	if got := NewBusError("open", 0, 0, ErrPort, ErrPort).Error(); got != "open: port error" {
		t.Fatalf("got %q", got)
	}
}

func TestIssues(t *testing.T) {
	var is Issues
	is.Warnf(-1, "bus", "no flaky addresses")
	if is.Err() != nil {
		t.Fatal("warnings alone must not fail")
	}
	is.Errorf(2, "pump_address", "pump %d not declared", 7)
	err := is.Err()
	if err == nil || !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(is.Warnings()) != 1 || len(is.Errors()) != 1 {
		t.Fatalf("bad split %v / %v", is.Warnings(), is.Errors())
	}
	if !strings.Contains(err.Error(), "error: step 2: pump_address: pump 7 not declared") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestDirection(t *testing.T) {
	cases := []struct {
		in   string
		want Direction
		err  bool
	}{
		{"forward", Forward, false},
		{"CCW", Reverse, false},
		{" withdraw ", Reverse, false},
		{"", Forward, false},
		{"sideways", Forward, true},
	}
	for _, c := range cases {
		got, err := ParseDirection(c.in)
		if (err != nil) != c.err || got != c.want {
			t.Fatalf("%q: got %v, %v", c.in, got, err)
		}
	}
	if Forward.Opposite() != Reverse || Reverse.Opposite() != Forward || Reverse.Sign() != -1 {
		t.Fatal("direction helpers")
	}
	var ds []Direction
	if err := json.Unmarshal([]byte(`["reverse", 0, "fwd"]`), &ds); err != nil {
		t.Fatal(err)
	}
	if ds[0] != Reverse || ds[1] != Forward || ds[2] != Forward {
		t.Fatalf("unexpected %v", ds)
	}
}

func TestRole(t *testing.T) {
	var r Role
	if err := json.Unmarshal([]byte(`"Transfer"`), &r); err != nil || r != RoleTransfer {
		t.Fatalf("got %v, %v", r, err)
	}
	if err := json.Unmarshal([]byte(`"pump"`), &r); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	b, _ := json.Marshal(RoleOutlet)
	if string(b) != `"outlet"` {
		t.Fatalf("got %s", b)
	}
}

func TestAddresses(t *testing.T) {
	if got := Addresses(3, 5); len(got) != 3 || got[0] != 3 || got[2] != 5 {
		t.Fatalf("got %v", got)
	}
	if Addresses(5, 3) != nil {
		t.Fatal("empty range")
	}
	if got := Addresses(250, 255); len(got) != 6 {
		t.Fatalf("top of range: %v", got)
	}
}
