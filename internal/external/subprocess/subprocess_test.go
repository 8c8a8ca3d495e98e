package subprocess

import (
	"context"
	"testing"
	"time"

	"foreman/internal/errors"
)

func TestStartCapturesOutput(t *testing.T) {
	p, err := Start(context.Background(), Config{
		Command: "sh",
		Args:    []string{"-c", "echo out; echo err >&2"},
	}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	result := p.Wait()
	if result.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", result.ExitCode)
	}
	if result.Stdout != "out\n" {
		t.Fatalf("stdout = %q, want %q", result.Stdout, "out\n")
	}
	if result.Stderr != "err\n" {
		t.Fatalf("stderr = %q, want %q", result.Stderr, "err\n")
	}
}

func TestExitCodePropagated(t *testing.T) {
	p, err := Start(context.Background(), Config{Command: "sh", Args: []string{"-c", "exit 7"}}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if result := p.Wait(); result.ExitCode != 7 {
		t.Fatalf("exit code = %d, want 7", result.ExitCode)
	}
}

func TestStreamedLinesAreTagged(t *testing.T) {
	p, err := Start(context.Background(), Config{
		Command: "sh",
		Args:    []string{"-c", "echo alpha; echo beta >&2"},
		Tag:     "probe",
		Stream:  true,
	}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	byStream := map[string]string{}
	for line := range p.Lines() {
		if line.Tag != "probe" {
			t.Fatalf("line tag = %q, want probe", line.Tag)
		}
		byStream[line.Stream] = line.Text
	}
	if byStream["stdout"] != "alpha" || byStream["stderr"] != "beta" {
		t.Fatalf("streamed lines = %v", byStream)
	}
	p.Wait()
}

func TestStdinPassthrough(t *testing.T) {
	p, err := Start(context.Background(), Config{Command: "cat", Stdin: "hello\n"}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if result := p.Wait(); result.Stdout != "hello\n" {
		t.Fatalf("stdout = %q, want %q", result.Stdout, "hello\n")
	}
}

func TestWriteAndCloseStdin(t *testing.T) {
	p, err := Start(context.Background(), Config{Command: "cat"}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Write([]byte("piped\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := p.CloseStdin(); err != nil {
		t.Fatalf("CloseStdin: %v", err)
	}
	if result := p.Wait(); result.Stdout != "piped\n" {
		t.Fatalf("stdout = %q, want %q", result.Stdout, "piped\n")
	}
}

func TestStopTerminatesGracefully(t *testing.T) {
	p, err := Start(context.Background(), Config{
		Command:     "sleep",
		Args:        []string{"10"},
		GracePeriod: 2 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("graceful stop took %v, child should die on SIGTERM", elapsed)
	}
	if result := p.Wait(); result.ExitCode == 0 {
		t.Fatal("terminated child reported exit code 0")
	}
}

func TestStopEscalatesWhenSigtermIgnored(t *testing.T) {
	p, err := Start(context.Background(), Config{
		Command:     "sh",
		Args:        []string{"-c", `trap "" TERM; while :; do sleep 0.05; done`},
		GracePeriod: 200 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if p.Alive() {
		t.Fatal("child still alive after SIGKILL escalation")
	}
}

func TestTimeoutStopsChild(t *testing.T) {
	p, err := Start(context.Background(), Config{
		Command:     "sleep",
		Args:        []string{"10"},
		Timeout:     100 * time.Millisecond,
		GracePeriod: 500 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	result := p.Wait()
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("timeout enforcement took %v", elapsed)
	}
	if result.ExitCode == 0 {
		t.Fatal("timed-out child reported exit code 0")
	}
}

func TestAliveAndPID(t *testing.T) {
	p, err := Start(context.Background(), Config{Command: "sleep", Args: []string{"0.2"}}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.PID() <= 0 {
		t.Fatalf("pid = %d, want > 0", p.PID())
	}
	if !p.Alive() {
		t.Fatal("child should be alive right after start")
	}
	p.Wait()
	if p.Alive() {
		t.Fatal("child should be dead after Wait returns")
	}
}

func TestStartUnknownCommand(t *testing.T) {
	_, err := Start(context.Background(), Config{Command: "/nonexistent-agent-binary"}, nil)
	if !errors.IsKind(err, errors.KindSpawnFailed) {
		t.Fatalf("err = %v, want SpawnFailed", err)
	}
}
