package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"speedcheck/internal/app"
	"speedcheck/pkg/speedtest"
)

var version = "dev"

type options struct {
	cfgPath      string
	once         bool
	history      int
	clearHistory bool
	stats        bool
	asJSON       bool
	showVersion  bool
}

func main() {
	var opt options
	flag.StringVar(&opt.cfgPath, "config", "", "path to config (json or yaml); empty uses defaults")
	flag.BoolVar(&opt.once, "once", false, "run one measurement and exit")
	flag.IntVar(&opt.history, "history", 0, "print the N most recent records and exit")
	flag.BoolVar(&opt.clearHistory, "clear-history", false, "delete stored history and exit")
	flag.BoolVar(&opt.stats, "stats", false, "print 24h statistics and exit")
	flag.BoolVar(&opt.asJSON, "json", false, "print results as JSON")
	flag.BoolVar(&opt.showVersion, "version", false, "print version and exit")
	flag.Parse()

	if opt.showVersion {
		fmt.Println(version)
		return
	}
	os.Exit(run(opt))
}

func run(opt options) int {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(opt.cfgPath, version)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}

	oneShot := opt.clearHistory || opt.stats || opt.history > 0 || opt.once
	var reason atomic.Value
	if oneShot {
		reason.Store(app.StopOnceDone)
	} else {
		reason.Store(app.StopUnknown)
	}
	go func() {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGTERM {
				reason.Store(app.StopSIGTERM)
			} else {
				reason.Store(app.StopSIGINT)
			}
			// interrupt cancels the active run first, then the rest
			a.StopRun()
			cancel()
		case <-ctx.Done():
		}
	}()

	var code int
	switch {
	case opt.clearHistory:
		code = report(a.ClearHistory(ctx), "history cleared")
	case opt.stats:
		code = printStats(ctx, a, opt.asJSON)
	case opt.history > 0:
		code = printHistory(ctx, a, opt.history, opt.asJSON)
	case opt.once:
		code = runOnce(ctx, a, opt.asJSON)
	default:
		code = daemonize(ctx, a)
		if code != 0 {
			reason.Store(app.StopFatalError)
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason.Load().(app.StopReason))
	return code
}

func daemonize(ctx context.Context, a *app.App) int {
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		return 1
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	defer func() { _, _ = daemon.SdNotify(false, daemon.SdNotifyStopping) }()

	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		go watchdog(ctx, interval/2)
	}

	select {
	case <-ctx.Done():
		return 0
	case <-a.Done():
		if err := a.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			return 1
		}
		return 0
	}
}

func watchdog(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

func runOnce(ctx context.Context, a *app.App, asJSON bool) int {
	rec, err := a.RunOnce(ctx)
	if err != nil {
		if speedtest.KindOf(err) == speedtest.KindCancelled {
			fmt.Fprintln(os.Stderr, "cancelled")
			return 130
		}
		fmt.Fprintln(os.Stderr, "speedtest failed:", err)
		return 1
	}
	if asJSON {
		return writeJSON(os.Stdout, rec)
	}
	writeRecords(os.Stdout, []speedtest.Record{*rec})
	return 0
}

func printHistory(ctx context.Context, a *app.App, n int, asJSON bool) int {
	recs, err := a.History(ctx, n)
	if err != nil {
		return report(err, "")
	}
	if asJSON {
		return writeJSON(os.Stdout, recs)
	}
	if len(recs) == 0 {
		fmt.Println("no history")
		return 0
	}
	writeRecords(os.Stdout, recs)
	return 0
}

func printStats(ctx context.Context, a *app.App, asJSON bool) int {
	st, err := a.Stats(ctx)
	if err != nil {
		return report(err, "")
	}
	if asJSON {
		return writeJSON(os.Stdout, st)
	}
	if st == nil || st.TestCount == 0 {
		fmt.Println("no measurements in the last 24h")
		return 0
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "period\t%s\n", st.Period)
	fmt.Fprintf(w, "tests\t%d\n", st.TestCount)
	fmt.Fprintf(w, "download\tavg %.2f  min %.2f  max %.2f Mbps\n", st.AvgDownload, st.MinDownload, st.MaxDownload)
	fmt.Fprintf(w, "upload\tavg %.2f  min %.2f  max %.2f Mbps\n", st.AvgUpload, st.MinUpload, st.MaxUpload)
	fmt.Fprintf(w, "ping\tavg %.1f  min %.1f  max %.1f ms\n", st.AvgPing, st.MinPing, st.MaxPing)
	fmt.Fprintf(w, "packet loss\tavg %.1f%%\n", st.AvgPacketLoss)
	_ = w.Flush()
	return 0
}

func writeRecords(out io.Writer, recs []speedtest.Record) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSERVER\tDOWN Mbps\tUP Mbps\tPING ms\tJITTER ms\tLOSS %\tNETWORK")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%.2f\t%.1f\t%.1f\t%.1f\t%s\n",
			r.Timestamp.Local().Format("2006-01-02 15:04:05"),
			r.Server.Name,
			r.DownloadMbps,
			r.UploadMbps,
			r.PingMs,
			r.JitterMs,
			r.PacketLossPct,
			r.Network.ConnectionType,
		)
	}
	_ = w.Flush()
}

func writeJSON(out io.Writer, v any) int {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, "encode:", err)
		return 1
	}
	return 0
}

func report(err error, ok string) int {
	switch {
	case errors.Is(err, app.ErrHistoryDisabled):
		fmt.Fprintln(os.Stderr, err)
		return 2
	case err != nil:
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	if ok != "" {
		fmt.Println(ok)
	}
	return 0
}
