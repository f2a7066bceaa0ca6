package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"zeppay/ledger/evm"
)

// consoleApprover asks the operator to confirm every write on the terminal. Without a
// terminal every write is declined.
type consoleApprover struct {
	mu         sync.Mutex
	in         *bufio.Reader
	out        io.Writer
	isTerminal func() bool
}

func newConsoleApprover(in *os.File, out io.Writer) evm.Approver {
	a := &consoleApprover{
		in:         bufio.NewReader(in),
		out:        out,
		isTerminal: func() bool { return term.IsTerminal(int(in.Fd())) },
	}
	return a.approve
}

func (a *consoleApprover) approve(ctx context.Context, req evm.ApprovalRequest) error {
	if !a.isTerminal() {
		return evm.ErrDeclined
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	fmt.Fprintf(a.out, "\nsign %s\n  from %s\n  to   %s\n", req.Op, req.From.Hex(), req.To.Hex())
	for i, arg := range req.Args {
		fmt.Fprintf(a.out, "  arg%d %v\n", i, arg)
	}
	fmt.Fprint(a.out, "approve? [y/N] ")

	answers := make(chan string, 1)
	go func() {
		line, _ := a.in.ReadString('\n')
		answers <- line
	}()
	select {
	case <-ctx.Done():
		fmt.Fprintln(a.out)
		return ctx.Err()
	case line := <-answers:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return nil
		default:
			return evm.ErrDeclined
		}
	}
}
