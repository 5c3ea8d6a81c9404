package main

import (
	"math"
	"reflect"
	"testing"

	"github.com/Zereker/msgsock"
)

func TestDemoProcedures(t *testing.T) {
	r := demoProcedures(msgsock.NopLogger{})

	want := []string{"add", "echo", "goodbye", "hello"}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Names = %v, want %v", got, want)
	}

	tests := []struct {
		name string
		args []any
		want any
	}{
		{"hello", nil, "hello friend"},
		{"goodbye", []any{"bob"}, "goodbye bob"},
		{"echo", []any{"ping"}, "ping"},
		{"add", []any{int64(2), int64(3)}, int64(5)},
		{"add", []any{"foo", "bar"}, "foobar"},
		{"add", []any{1.5, int64(2)}, 3.5},
	}
	for _, tt := range tests {
		got, err := r.Call(tt.name, tt.args)
		if err != nil {
			t.Errorf("%s%v failed: %v", tt.name, tt.args, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s%v = %#v, want %#v", tt.name, tt.args, got, tt.want)
		}
	}
}

func TestAdd_Mismatch(t *testing.T) {
	if _, err := add("a", int64(1)); err == nil {
		t.Error("expected error adding string and int")
	}
	if _, err := add(true, false); err == nil {
		t.Error("expected error adding bools")
	}
}

func TestAdd_LargeUnsigned(t *testing.T) {
	if _, ok := toInt(uint64(math.MaxUint64)); ok {
		t.Error("toInt accepted a value above MaxInt64")
	}
	if n, ok := toInt(uint64(math.MaxInt64)); !ok || n != math.MaxInt64 {
		t.Errorf("toInt(MaxInt64) = %d, %v", n, ok)
	}

	got, err := add(uint64(math.MaxUint64), int64(1))
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	f, ok := got.(float64)
	if !ok {
		t.Fatalf("add = %T, want float64", got)
	}
	if f < float64(math.MaxUint64) {
		t.Errorf("add = %v, want at least %v", f, float64(math.MaxUint64))
	}
}

func TestParseArg(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"42", int64(42)},
		{"-7", int64(-7)},
		{"2.5", 2.5},
		{"true", true},
		{"friend", "friend"},
	}
	for _, tt := range tests {
		if got := parseArg(tt.in); got != tt.want {
			t.Errorf("parseArg(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}
