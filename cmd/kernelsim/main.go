// Command kernelsim is the hosted harness for the kernel core: it boots a
// kernel.Kernel, exposes it over the ipc control plane and an optional
// hostexport FUSE mirror, and offers a handful of CLI subcommands that
// exercise the same entry points spec.md's out-of-scope shell would (mem,
// symbols, syscall). Grounded on the teacher's cmd/sysbox-fs/main.go: an
// urfave/cli app, a signal-driven exit handler, sd_notify lifecycle calls,
// and optional cpu/memory profiling.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"syscall"

	systemd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/nbos-project/kernelcore/bootfs"
	"github.com/nbos-project/kernelcore/hostexport"
	"github.com/nbos-project/kernelcore/interrupt"
	"github.com/nbos-project/kernelcore/ipc"
	"github.com/nbos-project/kernelcore/kernel"
)

const usage string = `kernelsim — hosted simulation of the NBOS kernel core

kernelsim boots the heap, interrupt table, ELF loader, VFS, device
manager, module loader, and syscall gate as a long-lived process, in place
of the ring-0 assembly the original kernel runs as.
`

var version = "dev"

func runProfiler(ctx *cli.Context) (interface{ Stop() }, error) {
	var prof interface{ Stop() }

	cpuOn := ctx.GlobalBool("cpu-profiling")
	memOn := ctx.GlobalBool("memory-profiling")
	if cpuOn && memOn {
		return nil, fmt.Errorf("unsupported combination: cpu and memory profiling")
	}
	if !cpuOn && !memOn {
		return nil, nil
	}
	if cpuOn {
		prof = profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	}
	if memOn {
		prof = profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	}
	return prof, nil
}

// bootKernel builds and initializes a kernel.Kernel plus its bootfs source,
// wiring CLI flags into the arena size and Linux-mode selection shared by
// every subcommand.
func bootKernel(ctx *cli.Context) (*kernel.Kernel, *bootfs.BootFS, error) {
	heapSize := ctx.GlobalInt("heap-size")
	if heapSize <= 0 {
		heapSize = kernel.HeapSize
	}

	k := kernel.NewWithHeapSize(heapSize)
	if err := k.Init(); err != nil {
		return nil, nil, fmt.Errorf("kernel init: %w", err)
	}

	k.Syscalls.Stdout = os.Stdout
	k.Syscalls.Stderr = os.Stderr
	k.Syscalls.Stdin = os.Stdin
	k.Syscalls.SetLinuxMode(ctx.GlobalBool("linux-mode"))

	bfs := bootfs.NewOS(ctx.GlobalString("boot-dir"))
	return k, bfs, nil
}

func exitHandler(signalChan chan os.Signal, k *kernel.Kernel, ipcSvc *ipc.Service, hostSrv *hostexport.Server, prof interface{ Stop() }) {
	s := <-signalChan
	logrus.Warnf("kernelsim caught signal: %s", s)
	logrus.Info("stopping (gracefully) ...")

	systemd.SdNotify(false, systemd.SdNotifyStopping)

	if s == syscall.SIGABRT || s == syscall.SIGQUIT || s == syscall.SIGSEGV {
		stacktrace := make([]byte, 32768)
		n := runtime.Stack(stacktrace, true)
		logrus.Warnf("\n\n%s\n", string(stacktrace[:n]))
	}

	if hostSrv != nil {
		if err := hostSrv.Destroy(); err != nil {
			logrus.WithError(err).Warn("hostexport destroy failed")
		}
	}
	if ipcSvc != nil {
		ipcSvc.Stop()
	}
	if err := k.Shutdown(); err != nil {
		logrus.WithError(err).Warn("kernel shutdown failed")
	}
	if prof != nil {
		prof.Stop()
	}

	logrus.Info("exiting ...")
	os.Exit(0)
}

func serveAction(ctx *cli.Context) error {
	logrus.Info("booting kernelsim ...")

	k, _, err := bootKernel(ctx)
	if err != nil {
		return err
	}

	ipcSvc := ipc.NewService()
	ipcSvc.Setup(k.Modules, func(d ipc.DeviceData) {
		logrus.WithField("device", d.Name).Info("device event received over ipc")
	})
	if addr := ctx.GlobalString("ipc-addr"); addr != "" {
		if err := ipcSvc.Init(addr); err != nil {
			return fmt.Errorf("ipc init: %w", err)
		}
		logrus.WithField("addr", addr).Info("ipc control plane listening")
	}

	var hostSrv *hostexport.Server
	if mp := ctx.GlobalString("mountpoint"); mp != "" {
		hostSrv = hostexport.New(k.VFS, mp)
		if err := hostSrv.Create(); err != nil {
			return fmt.Errorf("hostexport create: %w", err)
		}
		go func() {
			if err := hostSrv.Run(); err != nil {
				logrus.WithError(err).Error("hostexport serve failed")
			}
		}()
		hostSrv.InitWait()
		logrus.WithField("mountpoint", mp).Info("vfs mirrored to host")
	}

	prof, err := runProfiler(ctx)
	if err != nil {
		return err
	}

	exitChan := make(chan os.Signal, 1)
	signal.Notify(exitChan, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGSEGV, syscall.SIGQUIT, syscall.SIGABRT)
	go exitHandler(exitChan, k, ipcSvc, hostSrv, prof)

	systemd.SdNotify(false, systemd.SdNotifyReady)
	logrus.Info("ready ...")

	select {}
}

func memAction(ctx *cli.Context) error {
	k, _, err := bootKernel(ctx)
	if err != nil {
		return err
	}
	defer k.Shutdown()

	st := k.Heap.Stats()
	fmt.Printf("total=%d used=%d free=%d allocations=%d free_blocks=%d largest_free=%d\n",
		st.TotalSize, st.UsedSize, st.FreeSize, st.NumAllocations, st.NumFreeBlocks, st.LargestFree)
	return nil
}

func symbolsAction(ctx *cli.Context) error {
	k, _, err := bootKernel(ctx)
	if err != nil {
		return err
	}
	defer k.Shutdown()

	syms := k.Modules.Symbols()
	names := make([]string, 0, len(syms))
	for name := range syms {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%-32s 0x%x\n", name, syms[name])
	}
	return nil
}

// syscallAction raises the syscall gate's software interrupt directly,
// the CLI analogue of the shell's "syscall" command, exercising the exact
// spec.md §6 ABI: number in RAX, arguments in RDI/RSI/RDX/R10/R8/R9.
func syscallAction(ctx *cli.Context) error {
	k, _, err := bootKernel(ctx)
	if err != nil {
		return err
	}
	defer k.Shutdown()

	f := &interrupt.Frame{
		Vector: interrupt.SyscallVector,
		RAX:    uint64(ctx.Int64("num")),
		RDI:    uint64(ctx.Int64("arg0")),
		RSI:    uint64(ctx.Int64("arg1")),
		RDX:    uint64(ctx.Int64("arg2")),
		R10:    uint64(ctx.Int64("arg3")),
		R8:     uint64(ctx.Int64("arg4")),
		R9:     uint64(ctx.Int64("arg5")),
	}
	if err := k.Interrupts.Raise(f); err != nil {
		return err
	}
	fmt.Printf("rax=%d (0x%x)\n", int64(f.RAX), f.RAX)
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "kernelsim"
	app.Usage = usage
	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "boot-dir", Value: "/var/lib/kernelsim/boot", Usage: "bootfs root directory holding staged ELF images"},
		cli.StringFlag{Name: "mountpoint", Usage: "host path to mirror the in-kernel VFS tree onto via FUSE (empty disables it)"},
		cli.StringFlag{Name: "ipc-addr", Usage: "listen address for the grpc control plane (empty disables it)"},
		cli.IntFlag{Name: "heap-size", Value: kernel.HeapSize, Usage: "kernel heap arena size in bytes"},
		cli.BoolFlag{Name: "linux-mode", Usage: "start the syscall gate in linux_mode (default: native)"},
		cli.StringFlag{Name: "log", Usage: "log file path, empty for stderr"},
		cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warning, error, fatal"},
		cli.StringFlag{Name: "log-format", Value: "text", Usage: "text or json"},
		cli.BoolFlag{Name: "cpu-profiling", Hidden: true},
		cli.BoolFlag{Name: "memory-profiling", Hidden: true},
	}

	app.Before = func(ctx *cli.Context) error {
		if path := ctx.GlobalString("log"); path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0666)
			if err != nil {
				return fmt.Errorf("opening log file %v: %w", path, err)
			}
			logrus.SetOutput(f)
		} else {
			logrus.SetOutput(os.Stderr)
		}

		if ctx.GlobalString("log-format") == "json" {
			logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
		} else {
			logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: "2006-01-02 15:04:05", FullTimestamp: true})
		}

		switch ctx.GlobalString("log-level") {
		case "debug":
			logrus.SetLevel(logrus.DebugLevel)
		case "warning":
			logrus.SetLevel(logrus.WarnLevel)
		case "error":
			logrus.SetLevel(logrus.ErrorLevel)
		case "fatal":
			logrus.SetLevel(logrus.FatalLevel)
		default:
			logrus.SetLevel(logrus.InfoLevel)
		}
		return nil
	}

	app.Action = serveAction

	app.Commands = []cli.Command{
		{
			Name:   "mem",
			Usage:  "print current heap statistics, the CLI analogue of the shell's \"mem\" command",
			Action: memAction,
		},
		{
			Name:   "symbols",
			Usage:  "list built-in and late-registered kernel symbols",
			Action: symbolsAction,
		},
		{
			Name:  "syscall",
			Usage: "raise the syscall gate directly, the CLI analogue of the shell's \"syscall\" command",
			Flags: []cli.Flag{
				cli.Int64Flag{Name: "num", Usage: "syscall number (RAX)"},
				cli.Int64Flag{Name: "arg0", Usage: "RDI"},
				cli.Int64Flag{Name: "arg1", Usage: "RSI"},
				cli.Int64Flag{Name: "arg2", Usage: "RDX"},
				cli.Int64Flag{Name: "arg3", Usage: "R10"},
				cli.Int64Flag{Name: "arg4", Usage: "R8"},
				cli.Int64Flag{Name: "arg5", Usage: "R9"},
			},
			Action: syscallAction,
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
