// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"github.com/prometheus/common/expfmt"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/log"

	"gvisor.dev/chcore/kcore/config"
	"gvisor.dev/chcore/pkg/abi/chcore"
	"gvisor.dev/chcore/pkg/libchcore"
	"gvisor.dev/chcore/pkg/procmgr"
	"gvisor.dev/chcore/pkg/sentry/kernel"
	sys "gvisor.dev/chcore/pkg/sentry/syscalls/chcore"
)

// Boot implements subcommands.Command for the "boot" command, which boots a
// kernel, runs an echo server with a set of clients, and tears it down.
type Boot struct {
	clients int
	metrics bool
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot the kernel and run the IPC demo"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - boot the kernel, serve echo calls from -clients processes and
recycle them. Half of the clients close their connection, the rest exit with
it open.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.IntVar(&b.clients, "clients", 4, "number of client processes.")
	f.BoolVar(&b.metrics, "metrics", false, "print kernel metrics on exit.")
	f.DurationVar(&b.timeout, "timeout", 30*time.Second, "time allowed for the demo to finish.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	r, err := Demo(ctx, conf, b.clients, os.Stdout)
	if err != nil {
		Fatalf("boot: %v", err)
	}
	r.Write(os.Stdout)
	if b.metrics {
		fmt.Fprintf(os.Stdout, "\n%s", r.Metrics)
	}
	return subcommands.ExitSuccess
}

// Report summarizes a demo run.
type Report struct {
	Clients int
	Calls   int
	// Closed and Exited count disconnects by close and by client exit.
	Closed int
	Exited int

	Started int
	Reaped  int

	// The kernel state once every client is gone.
	Threads   int
	FreeBytes uint64

	// Metrics is the kernel registry in the text exposition format.
	Metrics string
}

// Write prints r.
func (r *Report) Write(w io.Writer) {
	fmt.Fprintf(w, "clients:     %d\n", r.Clients)
	fmt.Fprintf(w, "calls:       %d\n", r.Calls)
	fmt.Fprintf(w, "closed:      %d\n", r.Closed)
	fmt.Fprintf(w, "exited:      %d\n", r.Exited)
	fmt.Fprintf(w, "started:     %d\n", r.Started)
	fmt.Fprintf(w, "reaped:      %d\n", r.Reaped)
	fmt.Fprintf(w, "threads:     %d\n", r.Threads)
	fmt.Fprintf(w, "free memory: %d bytes\n", r.FreeBytes)
}

// Exit codes of the demo clients.
const (
	clientOK int32 = iota
	clientConnectFailed
	clientCallFailed
	clientBadReply
	clientCloseFailed
)

// Demo boots a kernel configured by conf and runs an echo server in the
// root process. It spawns n clients, each granted the server, waits until
// all of them are recycled and the server has seen every disconnect, then
// shuts the kernel down. Console output goes to console.
func Demo(ctx context.Context, conf *config.Config, n int, console io.Writer) (*Report, error) {
	if n < 0 {
		return nil, fmt.Errorf("invalid client count %d", n)
	}
	k, err := kernel.New(conf.KernelArgs(console, nil), sys.NewTable(conf.TEE))
	if err != nil {
		return nil, fmt.Errorf("creating kernel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := k.Shutdown(sctx); err != nil {
			log.Warningf("Kernel shutdown: %v", err)
		}
	}()
	rt := libchcore.NewRuntime(k)
	m := procmgr.New(rt, conf.ProcmgrOptions())

	var calls atomic.Int64
	disconnects := make(chan bool, n)
	srv := rt.NewServer("echo", func(r *libchcore.Request) error {
		calls.Add(1)
		r.Reply(r.Data)
		return nil
	}, libchcore.ServerOpts{
		OnDisconnect: func(s *libchcore.Sys, badge chcore.Badge, exited bool) {
			logrus.WithFields(logrus.Fields{"client": badge, "exited": exited}).Debug("Client disconnected")
			disconnects <- exited
		},
	})
	serve := rt.Link("echo", func(s *libchcore.Sys) {
		if err := srv.Serve(s); err != nil {
			logrus.WithError(err).Error("Starting echo server")
		}
	})
	clients := [2]libchcore.Program{
		m.Link("client-close", func(s *libchcore.Sys) int32 { return echoClient(s, true) }),
		m.Link("client-exit", func(s *libchcore.Sys) int32 { return echoClient(s, false) }),
	}

	type spawned struct {
		procs []*procmgr.Proc
		err   error
	}
	out := make(chan spawned, 1)
	initProg := rt.Link("init", func(s *libchcore.Sys) {
		var r spawned
		defer func() { out <- r }()
		<-m.Ready()
		server, err := s.CreateThread(chcore.CapGroupObjID, serve.Entry, 0, chcore.ThreadUser)
		if err != nil {
			r.err = fmt.Errorf("starting server: %w", err)
			return
		}
		for i := 0; i < n; i++ {
			p, err := m.Spawn(s, clients[i%2], server)
			if err != nil {
				r.err = err
				return
			}
			r.procs = append(r.procs, p)
		}
	})
	root := rt.Link("root", func(s *libchcore.Sys) {
		if _, err := s.CreateThread(chcore.CapGroupObjID, initProg.Entry, 0, chcore.ThreadUser); err != nil {
			logrus.WithError(err).Error("Starting init")
			out <- spawned{err: err}
			return
		}
		if err := m.Run(s); err != nil {
			logrus.WithError(err).Info("Process manager stopped")
		}
	})
	if _, _, err := k.CreateRootProcess(root.Entry, 0); err != nil {
		return nil, fmt.Errorf("creating root process: %w", err)
	}

	var sp spawned
	select {
	case sp = <-out:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for clients to start: %w", ctx.Err())
	}
	if sp.err != nil {
		return nil, sp.err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range sp.procs {
		g.Go(func() error {
			select {
			case <-p.Done():
			case <-gctx.Done():
				return fmt.Errorf("%s (pid %d) %v: %w", p.Name, p.PID, p.State(), gctx.Err())
			}
			if code := p.Exit().Code; code != clientOK {
				return fmt.Errorf("%s (pid %d) exited with %d", p.Name, p.PID, code)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	r := &Report{Clients: n}
	for r.Closed+r.Exited < n {
		select {
		case exited := <-disconnects:
			if exited {
				r.Exited++
			} else {
				r.Closed++
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for disconnects: %w", ctx.Err())
		}
	}
	r.Calls = int(calls.Load())
	r.Started, r.Reaped = m.Stats()
	r.Threads = k.NumThreads()
	r.FreeBytes = k.Mem().FreeBytes()
	if r.Metrics, err = dumpMetrics(k); err != nil {
		return nil, err
	}
	return r, nil
}

// echoClient calls the server granted in its first argument once.
func echoClient(s *libchcore.Sys, closeConn bool) int32 {
	conn, err := s.Connect(chcore.Cap(s.Arg(0)), 0)
	if err != nil {
		return clientConnectFailed
	}
	msg := fmt.Sprintf("hello from %d", s.Env().Badge())
	rep, err := conn.Call(libchcore.Message{Data: []byte(msg)})
	if err != nil {
		return clientCallFailed
	}
	if string(rep.Data) != msg {
		return clientBadReply
	}
	s.Printf("%d: %s\n", s.Env().Badge(), rep.Data)
	if closeConn {
		if err := conn.Close(); err != nil {
			return clientCloseFailed
		}
	}
	return clientOK
}

func dumpMetrics(k *kernel.Kernel) (string, error) {
	mfs, err := k.Gatherer().Gather()
	if err != nil {
		return "", fmt.Errorf("gathering metrics: %w", err)
	}
	var sb strings.Builder
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(&sb, mf); err != nil {
			return "", fmt.Errorf("encoding metrics: %w", err)
		}
	}
	return sb.String(), nil
}
