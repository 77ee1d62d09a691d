package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

// Arith is the demo service served by `icerpc serve`.
type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Multiply(args *Args, reply *Reply) error {
	reply.Result = args.A * args.B
	return nil
}

// Div fails with a user exception on division by zero.
func (a *Arith) Div(args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

// Sleep waits A milliseconds, or until the request is abandoned.
func (a *Arith) Sleep(ctx context.Context, args *Args, reply *Reply) error {
	select {
	case <-time.After(time.Duration(args.A) * time.Millisecond):
		reply.Result = args.A
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
