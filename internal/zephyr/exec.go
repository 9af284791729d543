package zephyr

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"chatbus/internal/buserr"
	logx "chatbus/pkg/logx"
)

// ExecConfig names the command-line tools the exec transport drives.
type ExecConfig struct {
	Zwrite string
	Zctl   string
	// Receiver prints one JSON Notice per line on stdout.
	Receiver []string
}

// Exec talks to the legacy protocol through its standard client tools.
// Send runs zwrite, subscriptions run zctl and a long-running receiver
// helper streams incoming notices.
type Exec struct {
	cfg ExecConfig
	log logx.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	lines  *bufio.Scanner
	closed bool
}

func NewExec(cfg ExecConfig, log logx.Logger) *Exec {
	if cfg.Zwrite == "" {
		cfg.Zwrite = "zwrite"
	}
	if cfg.Zctl == "" {
		cfg.Zctl = "zctl"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Exec{cfg: cfg, log: log}
}

func (e *Exec) run(ctx context.Context, stdin string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return buserr.Transient(fmt.Sprintf("%s %s", name, strings.TrimSpace(stderr.String())), err)
	}
	return nil
}

func (e *Exec) zctl(ctx context.Context, verb string, subs []Sub) error {
	for _, s := range subs {
		recip := s.Recipient
		if recip == "" {
			recip = "*"
		}
		if err := e.run(ctx, "", e.cfg.Zctl, verb, s.Class, s.Instance, recip); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exec) Subscribe(ctx context.Context, subs []Sub) error { return e.zctl(ctx, "sub", subs) }

func (e *Exec) Unsubscribe(ctx context.Context, subs []Sub) error { return e.zctl(ctx, "unsub", subs) }

// Send runs zwrite with the body on stdin.
func (e *Exec) Send(ctx context.Context, n Notice) error {
	args := []string{"-n", "-q", "-c", n.Class, "-i", n.Instance}
	if n.Signature != "" {
		args = append(args, "-s", n.Signature)
	}
	if n.Opcode != "" {
		args = append(args, "-O", n.Opcode)
	}
	if n.Sender != "" {
		args = append(args, "-S", n.Sender)
	}
	if n.Personal() {
		args = append(args, n.Recipient)
	}
	return e.run(ctx, n.Body, e.cfg.Zwrite, args...)
}

// Receive reads the next notice from the receiver helper, starting it on
// first use and after it exits.
func (e *Exec) Receive(ctx context.Context) (Notice, error) {
	lines, err := e.receiver(ctx)
	if err != nil {
		return Notice{}, err
	}
	type result struct {
		n   Notice
		err error
	}
	ch := make(chan result, 1)
	go func() {
		if !lines.Scan() {
			err := lines.Err()
			if err == nil {
				err = io.EOF
			}
			ch <- result{err: err}
			return
		}
		var n Notice
		if err := json.Unmarshal(lines.Bytes(), &n); err != nil {
			ch <- result{err: buserr.ProtocolDrift("undecodable notice: %v", err)}
			return
		}
		ch <- result{n: n}
	}()

	select {
	case <-ctx.Done():
		// The pending read finishes when the helper is killed.
		e.stopReceiver()
		return Notice{}, ctx.Err()
	case r := <-ch:
		if r.err != nil && buserr.KindOf(r.err) != buserr.KindProtocolDrift {
			e.stopReceiver()
			return Notice{}, buserr.Transient("receiver stopped", r.err)
		}
		return r.n, r.err
	}
}

func (e *Exec) receiver(ctx context.Context) (*bufio.Scanner, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if e.lines != nil {
		return e.lines, nil
	}
	if len(e.cfg.Receiver) == 0 {
		return nil, fmt.Errorf("zephyr: no receiver command configured")
	}
	cmd := exec.Command(e.cfg.Receiver[0], e.cfg.Receiver[1:]...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, buserr.Transient("start receiver", err)
	}
	sc := bufio.NewScanner(out)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	e.cmd, e.lines = cmd, sc
	e.log.Info("receiver started", logx.Int("pid", cmd.Process.Pid))
	return sc, nil
}

func (e *Exec) stopReceiver() {
	e.mu.Lock()
	cmd := e.cmd
	e.cmd, e.lines = nil, nil
	e.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
}

func (e *Exec) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.stopReceiver()
	return nil
}
