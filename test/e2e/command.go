package e2e

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/vladimirvivien/gexe/exec"
)

func runCommand(command string, env []string) error {
	stdout := bytes.NewBufferString("")
	stderr := bytes.NewBufferString("")

	proc := exec.NewProc(command)
	proc.Command().Stdout = stdout
	proc.Command().Stderr = stderr

	if len(env) > 0 {
		proc.Command().Env = env
	}

	proc.Start().Wait()

	err := proc.Err()
	if err != nil {
		sOutput, _ := io.ReadAll(stdout)
		sErr, _ := io.ReadAll(stderr)

		return fmt.Errorf("failed to run command (%w): stdout:%s stderr:%s", err, string(sOutput), string(sErr))
	}

	return nil
}

func runMakefileCommand(target string, keyValues map[string]string) error {
	command := fmt.Sprintf("make -C ../.. %s", target)
	for key, value := range keyValues {
		command = fmt.Sprintf("%s %s=%s", command, key, value)
	}

	return runCommand(command, nil)
}

// syncBuffer is written by the child process while the test reads it.
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

// startCommand starts command in the background.
func startCommand(command string) (*exec.Proc, *syncBuffer, *syncBuffer, error) {
	stdout := &syncBuffer{}
	stderr := &syncBuffer{}

	proc := exec.NewProc(command)
	proc.Command().Stdout = stdout
	proc.Command().Stderr = stderr

	proc.Start()

	err := proc.Err()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to start command (%w): stderr:%s", err, stderr.String())
	}

	return proc, stdout, stderr, nil
}
