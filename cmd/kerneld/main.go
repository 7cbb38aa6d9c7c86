//
// Copyright 2024 The Nanokernel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	systemd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/nanokernel/kernel/kernel"
)

const (
	runDir string = "/run/nanokernel"
	usage  string = `kerneld

kerneld boots the nanokernel core -- process table, Object Manager, IPC
subsystem, Pipeline Manager, syscall dispatcher and PatchGuard -- and
drives its scheduler loop on the host.
`
)

// Globals populated at build time via -ldflags.
var (
	version  string
	commitId string
	builtAt  string
	builtBy  string
)

func exitHandler(signalChan chan os.Signal, k *kernel.Kernel, prof interface{ Stop() }) {
	var printStack bool

	s := <-signalChan
	logrus.Warnf("kerneld caught signal: %s", s)
	logrus.Info("halting (gracefully) ...")

	systemd.SdNotify(false, systemd.SdNotifyStopping)

	switch s {
	case syscall.SIGABRT, syscall.SIGQUIT, syscall.SIGSEGV:
		printStack = true
	}
	if printStack {
		stacktrace := make([]byte, 32768)
		length := runtime.Stack(stacktrace, true)
		logrus.Warnf("\n\n%s\n", string(stacktrace[:length]))
	}

	k.Halt(fmt.Sprintf("signal %s", s))

	if prof != nil {
		prof.Stop()
	}

	logrus.Info("exiting ...")
	os.Exit(0)
}

func runProfiler(ctx *cli.Context) (interface{ Stop() }, error) {
	var prof interface{ Stop() }

	cpuProfOn := ctx.Bool("cpu-profiling")
	memProfOn := ctx.Bool("memory-profiling")
	if cpuProfOn && memProfOn {
		return nil, fmt.Errorf("unsupported parameter combination: cpu and memory profiling")
	}
	if !(cpuProfOn || memProfOn) {
		return nil, nil
	}

	if cpuProfOn {
		prof = profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	}
	if memProfOn {
		prof = profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	}
	return prof, nil
}

func setupRunDir() error {
	if err := os.MkdirAll(runDir, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %s", runDir, err)
	}
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "kerneld"
	app.Usage = usage
	app.Version = version

	app.Flags = []cli.Flag{
		cli.DurationFlag{
			Name:  "quantum",
			Value: 50 * time.Millisecond,
			Usage: "scheduler tick interval",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "log file path or empty string for stderr output",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log categories to include (debug, info, warning, error, fatal)",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "log format; must be json or text",
		},
		cli.BoolFlag{
			Name:   "cpu-profiling",
			Usage:  "enable cpu-profiling data collection",
			Hidden: true,
		},
		cli.BoolFlag{
			Name:   "memory-profiling",
			Usage:  "enable memory-profiling data collection",
			Hidden: true,
		},
	}

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("kerneld\n\tversion: \t%s\n\tcommit: \t%s\n\tbuilt at: \t%s\n\tbuilt by: \t%s\n",
			c.App.Version, commitId, builtAt, builtBy)
	}

	app.Before = func(ctx *cli.Context) error {
		if path := ctx.GlobalString("log"); path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0666)
			if err != nil {
				logrus.Fatalf("error opening log file %v: %v. exiting ...", path, err)
				return err
			}
			logrus.SetOutput(f)
			log.SetOutput(f)
		} else {
			logrus.SetOutput(os.Stderr)
			log.SetOutput(os.Stderr)
		}

		if ctx.GlobalString("log-format") == "json" {
			logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
		} else {
			logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: "2006-01-02 15:04:05", FullTimestamp: true})
		}

		switch ctx.GlobalString("log-level") {
		case "debug":
			logrus.SetLevel(logrus.DebugLevel)
		case "info":
			logrus.SetLevel(logrus.InfoLevel)
		case "warning":
			logrus.SetLevel(logrus.WarnLevel)
		case "error":
			logrus.SetLevel(logrus.ErrorLevel)
		case "fatal":
			logrus.SetLevel(logrus.FatalLevel)
		default:
			logrus.Fatalf("log-level option %q not recognized. exiting ...", ctx.GlobalString("log-level"))
		}

		return nil
	}

	app.Action = func(ctx *cli.Context) error {
		logrus.Info("initiating kerneld ...")

		if err := setupRunDir(); err != nil {
			return err
		}

		haltFn := func(reason string) {
			logrus.Warnf("host halted: %s", reason)
		}
		rebootFn := func(reason string) {
			logrus.Warnf("host reboot requested: %s (not implemented on this host)", reason)
		}

		k := kernel.New(haltFn, rebootFn)
		k.Boot()

		prof, err := runProfiler(ctx)
		if err != nil {
			logrus.Fatal(err)
		}

		exitChan := make(chan os.Signal, 1)
		signal.Notify(exitChan, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGSEGV, syscall.SIGQUIT)
		go exitHandler(exitChan, k, prof)

		systemd.SdNotify(false, systemd.SdNotifyReady)
		logrus.Info("ready ...")

		quantum := ctx.Duration("quantum")
		ticker := time.NewTicker(quantum)
		defer ticker.Stop()

		for range ticker.C {
			reaped := k.Tick()
			for _, pid := range reaped {
				logrus.Debugf("reaped pid %d", pid)
			}
		}

		return nil
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
