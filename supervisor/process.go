package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Child is one managed fleetd process. Its stdout and stderr are streamed
// into the sink line by line for the whole lifetime of the process, not
// collected at exit.
type Child struct {
	OrgID string

	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	exitErr error
}

type execLauncher struct {
	bin string
}

func (l execLauncher) Launch(orgID string, env []string, sink io.Writer) (ChildHandle, error) {
	cmd := exec.Command(l.bin)
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s for %s: %w", l.bin, orgID, err)
	}

	child := &Child{
		OrgID: orgID,
		cmd:   cmd,
		done:  make(chan struct{}),
	}

	var streams sync.WaitGroup
	streams.Add(2)
	go child.stream(&streams, stdout, sink)
	go child.stream(&streams, stderr, sink)

	go func() {
		streams.Wait()
		err := cmd.Wait()
		child.mu.Lock()
		child.exitErr = err
		child.mu.Unlock()
		close(child.done)
	}()

	return child, nil
}

func (c *Child) stream(wg *sync.WaitGroup, reader io.Reader, sink io.Writer) {
	defer wg.Done()
	scanner := bufio.NewScanner(reader)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 64*1024)
	for scanner.Scan() {
		sink.Write(append(scanner.Bytes(), '\n'))
	}
}

func (c *Child) Exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Child) ExitErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

// Stop terminates the child: SIGTERM first, SIGKILL once the grace period
// runs out. It blocks until the process is gone.
func (c *Child) Stop(grace time.Duration) {
	if c.Exited() {
		return
	}
	c.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-c.done:
	case <-time.After(grace):
		c.cmd.Process.Kill()
		<-c.done
	}
}
