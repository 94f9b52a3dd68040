package provider

import (
	"errors"
	"os/exec"
	"syscall"
)

// Proc is a handle on a spawned workspace child. The child runs in its
// own process group so it survives daemon death; whether it is resumed
// after a restart is the worker's policy, not ours.
type Proc struct {
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

// StartProcess starts cmd in its own process group and begins reaping
// it. Provider implementations use it to build Run results.
func StartProcess(cmd *exec.Cmd) (*Proc, error) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, Permanent(err)
		}
		return nil, err
	}
	p := &Proc{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// PID returns the child's process id.
func (p *Proc) PID() int {
	return p.cmd.Process.Pid
}

// Done is closed when the child has been reaped.
func (p *Proc) Done() <-chan struct{} {
	return p.done
}

// Err returns the wait error; valid only after Done is closed. Nil means
// exit status 0.
func (p *Proc) Err() error {
	select {
	case <-p.done:
		return p.waitErr
	default:
		return errors.New("process still running")
	}
}

// ExitCode returns the child's exit code after Done, or -1 when killed
// by signal or still running.
func (p *Proc) ExitCode() int {
	select {
	case <-p.done:
	default:
		return -1
	}
	if p.waitErr == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(p.waitErr, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// Signal delivers sig to the child's process group.
func (p *Proc) Signal(sig syscall.Signal) error {
	return syscall.Kill(-p.cmd.Process.Pid, sig)
}

// Alive reports whether the child is still running.
func (p *Proc) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}
