package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Zereker/msgsock"
)

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.HasPrefix(out.String(), "msgsock dev") {
		t.Errorf("output = %q", out.String())
	}
}

func TestCallCmd(t *testing.T) {
	t.Setenv(envLogLevel, "off")

	server, err := msgsock.Listen("127.0.0.1:0", msgsock.ServerLoggerOption(msgsock.NopLogger{}))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()
	go server.Dispatch(ctx, demoProcedures(msgsock.NopLogger{}).Handler(server, msgsock.NopLogger{}))
	defer func() {
		cancel()
		<-done
	}()

	tests := []struct {
		args    []string
		want    string
		wantErr string
	}{
		{[]string{"add", "2", "3"}, "5", ""},
		{[]string{"add", "two", "three"}, "twothree", ""},
		{[]string{"hello"}, "hello friend", ""},
		{[]string{"nope"}, "", "unknown procedure"},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		cmd := rootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs(append([]string{"call", "--addr", server.Addr().String(), "--timeout", "5s"}, tt.args...))

		err := cmd.ExecuteContext(context.Background())
		if tt.wantErr != "" {
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("call %v: error = %v, want %q", tt.args, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("call %v failed: %v", tt.args, err)
			continue
		}
		if got := strings.TrimSpace(out.String()); got != tt.want {
			t.Errorf("call %v printed %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestRunServe_StopsOnCancel(t *testing.T) {
	cfg := defaultConfig()
	cfg.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runServe(ctx, cfg, msgsock.NopLogger{})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("runServe returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runServe did not stop")
	}
}

func TestIgnoreCanceled(t *testing.T) {
	if ignoreCanceled(context.Canceled) != nil {
		t.Error("context.Canceled not ignored")
	}
	if ignoreCanceled(msgsock.ErrServerClosed) != nil {
		t.Error("ErrServerClosed not ignored")
	}
	if ignoreCanceled(context.DeadlineExceeded) == nil {
		t.Error("DeadlineExceeded swallowed")
	}
}
