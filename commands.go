package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"rtpush-campaign/config"
	"rtpush-campaign/match"
	"rtpush-campaign/metrics"
	"rtpush-campaign/notiflog"
	"rtpush-campaign/pkg/campaign"
	"rtpush-campaign/poll"
	"rtpush-campaign/report"
	"rtpush-campaign/server"
	"rtpush-campaign/storage"
	"rtpush-campaign/subscribe"
)

func (a *app) subscribeCmd() *cobra.Command {
	var gf gateFlags
	var scenarioPath, outRoot string
	var noSaveLogs bool
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Create one gate subscription per scenario item in a new run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			sc, err := config.LoadScenario(scenarioPath)
			if err != nil {
				return err
			}
			client, err := a.gateClient(cmd, &gf)
			if err != nil {
				return err
			}

			store, closeStore, err := a.openStore(ctx, a.runLocation(outRoot, subscribe.RunName(sc.CampaignName, time.Now())))
			if err != nil {
				return err
			}
			defer closeStore()
			store.SetSecrets(client.Config().Secrets())

			if _, err := subscribe.New(client, store, !noSaveLogs, a.logger).Run(ctx, sc); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), store.Location())
			return err
		},
	}
	cmd.Flags().StringVar(&scenarioPath, "scenario", "", "Scenario file (.json, .yaml or .yml)")
	cmd.Flags().StringVar(&outRoot, "out-root", "", "Directory (or bucket prefix) the run is created in")
	cmd.Flags().BoolVar(&noSaveLogs, "no-save-logs", false, "Do not keep raw create requests and responses")
	_ = cmd.MarkFlagRequired("scenario")
	_ = cmd.MarkFlagRequired("out-root")
	gf.bind(cmd)
	return cmd
}

func (a *app) pollCmd() *cobra.Command {
	var gf gateFlags
	var runDir, statusAddr string
	var pollSec, preWindowMin, postWindowMin, idleGraceMin, maxMinutes int
	var includeRaw, noSaveLogs bool
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Poll every subscription of a run until its journey is over",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, closeStore, err := a.openStore(ctx, runDir)
			if err != nil {
				return err
			}
			defer closeStore()

			sc, err := store.LoadScenario(ctx)
			switch {
			case storage.IsNotFound(err):
				a.logger.Warn("Run has no scenario, using defaults", "run", store.Location())
				sc = &campaign.Scenario{}
				sc.SetDefaults()
			case err != nil:
				return err
			}

			fl := cmd.Flags()
			if fl.Changed("poll-sec") && pollSec > 0 {
				sc.PollSec = pollSec
			}
			if fl.Changed("pre-window-min") && preWindowMin > 0 {
				sc.PreWindowMin = preWindowMin
			}
			if fl.Changed("post-window-min") && postWindowMin > 0 {
				sc.PostWindowMin = postWindowMin
			}
			if fl.Changed("idle-grace-min") {
				sc.IdleGraceMin = &idleGraceMin
			}
			if maxMinutes > 0 {
				sc.MaxRuntimeMin = maxMinutes
			}

			loc, err := a.env.Location()
			if err != nil {
				return err
			}
			client, err := a.gateClient(cmd, &gf)
			if err != nil {
				return err
			}
			store.SetSecrets(client.Config().Secrets())

			collector := metrics.New()
			registry := prometheus.NewRegistry()
			collector.MustRegister(registry)
			client.SetObserver(collector)

			if err := store.Lock(ctx); err != nil {
				return fmt.Errorf("lock %s: %w", store.Location(), err)
			}
			defer func() {
				if err := store.Unlock(context.WithoutCancel(ctx)); err != nil {
					a.logger.Warn("Failed to release run lock", "error", err)
				}
			}()

			monitor := poll.New(client, store, poll.Config{
				PollInterval: sc.PollInterval(),
				PreWindow:    time.Duration(sc.PreWindowMin) * time.Minute,
				PostWindow:   time.Duration(sc.PostWindowMin) * time.Minute,
				IdleGrace:    sc.IdleGrace(),
				MaxRuntime:   time.Duration(sc.MaxRuntimeMin) * time.Minute,
				IncludeRaw:   includeRaw,
				SaveRaw:      !noSaveLogs,
				Location:     loc,
			}, a.logger, poll.WithRecorder(collector))

			if statusAddr == "" {
				statusAddr = a.env.StatusAddr
			}
			if statusAddr != "" {
				srvCtx, stopServer := context.WithCancel(ctx)
				defer stopServer()
				srv := server.New(&server.Config{Status: monitor, Gatherer: registry, Logger: a.logger, Run: store.Location()})
				go func() {
					if err := srv.ListenAndServe(srvCtx, statusAddr); err != nil {
						a.logger.Error("Status server failed", "error", err)
					}
				}()
			}

			sum, err := monitor.Run(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "subscriptions=%d attempts=%d events=%d done=%d stopped=%t\n",
				sum.Subscriptions, sum.Attempts, sum.Events, sum.Done, sum.Stopped)
			return err
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&runDir, "run-dir", "", "Run directory (or bucket prefix) created by subscribe")
	fl.IntVar(&pollSec, "poll-sec", 0, "Fast poll interval in seconds (scenario pollSec)")
	fl.IntVar(&preWindowMin, "pre-window-min", 0, "Activity window before departure (scenario preWindowMin)")
	fl.IntVar(&postWindowMin, "post-window-min", 0, "Activity window after arrival (scenario postWindowMin)")
	fl.IntVar(&idleGraceMin, "idle-grace-min", 0, "Quiet time after planned end before a journey is done (scenario idleGraceMin)")
	fl.IntVar(&maxMinutes, "max-minutes", 0, "Stop the whole run after this many minutes; 0 runs until every journey is done")
	fl.BoolVar(&includeRaw, "include-raw", false, "Embed the raw rtEvent in every event record")
	fl.BoolVar(&noSaveLogs, "no-save-logs", false, "Do not keep raw poll requests and responses")
	fl.StringVar(&statusAddr, "status-addr", "", "Serve /health, /metrics and /statusz on this address (STATUS_ADDR)")
	_ = cmd.MarkFlagRequired("run-dir")
	gf.bind(cmd)
	return cmd
}

func (a *app) searchCmd() *cobra.Command {
	var gf gateFlags
	cmd := &cobra.Command{
		Use:   "search",
		Short: "List the subscriptions the gate holds for the user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.gateClient(cmd, &gf)
			if err != nil {
				return err
			}
			resp, err := client.SubscrSearch(cmd.Context())
			if err != nil {
				return err
			}
			body, err := json.MarshalIndent(storage.Redact(resp.Body, client.Config().Secrets()), "", "  ")
			if err != nil {
				return fmt.Errorf("marshal response: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Correlation ID: %s\n%s\n", resp.CorrID, body)
			return err
		},
	}
	gf.bind(cmd)
	return cmd
}

func (a *app) deleteCmd() *cobra.Command {
	var gf gateFlags
	var ids []string
	var runDir string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete subscriptions by id or every subscription of a run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			targets := make([]campaign.SubscriptionID, 0, len(ids))
			for _, id := range ids {
				targets = append(targets, campaign.SubscriptionID(id))
			}
			if runDir != "" {
				fromRun, err := a.runSubscriptionIDs(ctx, runDir)
				if err != nil {
					return err
				}
				targets = append(targets, fromRun...)
			}
			if len(targets) == 0 {
				return errors.New("--subscr-id or --run-dir is required")
			}

			client, err := a.gateClient(cmd, &gf)
			if err != nil {
				return err
			}
			var errs []error
			for _, id := range targets {
				resp, err := client.SubscrDelete(ctx, id)
				if err != nil {
					a.logger.Error("Delete failed", "subscr_id", string(id), "error", err)
					errs = append(errs, fmt.Errorf("delete %s: %w", id, err))
					continue
				}
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "deleted %s (corr %s)\n", id, resp.CorrID); err != nil {
					return err
				}
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringSliceVar(&ids, "subscr-id", nil, "Subscription id to delete (repeatable)")
	cmd.Flags().StringVar(&runDir, "run-dir", "", "Delete every subscription recorded in this run")
	gf.bind(cmd)
	return cmd
}

func (a *app) runSubscriptionIDs(ctx context.Context, runDir string) ([]campaign.SubscriptionID, error) {
	store, closeStore, err := a.openStore(ctx, runDir)
	if err != nil {
		return nil, err
	}
	defer closeStore()

	subs, err := store.ListSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	var ids []campaign.SubscriptionID
	for _, sub := range subs {
		m, err := store.LoadManifest(ctx, sub)
		if err != nil {
			a.logger.Warn("Skipping subscription without usable manifest", "sub", sub, "error", err)
			continue
		}
		ids = append(ids, m.SubscrID)
	}
	return ids, nil
}

func (a *app) importNotificationLogCmd() *cobra.Command {
	var exportPath, outNDJSON, runDir, packages string
	var appendMode, includeRemoved bool
	cmd := &cobra.Command{
		Use:   "import-notification-log",
		Short: "Convert a Notification Log export into device notification NDJSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if (outNDJSON == "") == (runDir == "") {
				return errors.New("exactly one of --out-ndjson or --run-dir is required")
			}
			data, err := os.ReadFile(exportPath)
			if err != nil {
				return fmt.Errorf("read export: %w", err)
			}
			rows, err := notiflog.Convert(data, notiflog.Options{
				IncludeRemoved: includeRemoved,
				Packages:       notiflog.ParsePackages(packages),
			})
			if err != nil {
				return err
			}

			dest := outNDJSON
			if runDir != "" {
				store, closeStore, err := a.openStore(ctx, runDir)
				if err != nil {
					return err
				}
				defer closeStore()
				if err := store.WriteNotifications(ctx, rows, appendMode); err != nil {
					return err
				}
				dest = path.Join(store.Location(), storage.DeviceStreamKey)
			} else if err := a.writeNDJSONFile(ctx, outNDJSON, rows, appendMode); err != nil {
				return err
			}

			a.logger.Info("Notification log imported", "rows", len(rows), "dest", dest)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "OK: wrote %d NDJSON lines -> %s\n", len(rows), dest)
			return err
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&exportPath, "export-json", "", "Notification Log export file")
	fl.StringVar(&outNDJSON, "out-ndjson", "", "Write to this NDJSON file")
	fl.StringVar(&runDir, "run-dir", "", "Write to the device stream of this run")
	fl.BoolVar(&appendMode, "append", false, "Append instead of replacing")
	fl.BoolVar(&includeRemoved, "include-removed", false, "Also convert removed notifications")
	fl.StringVar(&packages, "packages", "", "Comma-separated package filter")
	_ = cmd.MarkFlagRequired("export-json")
	return cmd
}

func (a *app) syncDeviceNotifsCmd() *cobra.Command {
	var runDir, deviceNDJSON string
	cmd := &cobra.Command{
		Use:   "sync-device-notifs",
		Short: "Copy a device notification NDJSON file into a run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rows, err := readNotifications(deviceNDJSON)
			if err != nil {
				return err
			}
			store, closeStore, err := a.openStore(ctx, runDir)
			if err != nil {
				return err
			}
			defer closeStore()
			if err := store.WriteNotifications(ctx, rows, false); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path.Join(store.Location(), storage.DeviceStreamKey))
			return err
		},
	}
	cmd.Flags().StringVar(&runDir, "run-dir", "", "Run directory (or bucket prefix)")
	cmd.Flags().StringVar(&deviceNDJSON, "device-ndjson", "", "Device notification NDJSON file")
	_ = cmd.MarkFlagRequired("run-dir")
	_ = cmd.MarkFlagRequired("device-ndjson")
	return cmd
}

func (a *app) reportCmd() *cobra.Command {
	var runDir, deviceNDJSON, out string
	var threshold float64
	var noMarkdown bool
	var mailTo []string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Match events to device notifications and write delivery metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, closeStore, err := a.openStore(ctx, runDir)
			if err != nil {
				return err
			}
			defer closeStore()

			events, err := store.LoadEvents(ctx)
			if err != nil {
				return err
			}
			var notifications []campaign.DeviceNotification
			if deviceNDJSON != "" {
				notifications, err = readNotifications(deviceNDJSON)
			} else {
				notifications, err = store.LoadNotifications(ctx)
			}
			if err != nil {
				return err
			}

			opts := match.DefaultOptions()
			opts.Threshold = threshold
			rep := report.Build(events, notifications, opts)

			var saver report.Saver = store
			dest := path.Join(store.Location(), storage.ReportDir)
			if out != "" {
				saver = dirSaver{storage.NewLocal(out, a.logger)}
				dest = out
			}
			if err := report.NewWriter(saver, !noMarkdown, a.logger).Write(ctx, rep); err != nil {
				return err
			}

			if len(mailTo) > 0 {
				sender, err := a.mailer(ctx)
				if err != nil {
					return err
				}
				var campaignName string
				if sc, err := store.LoadScenario(ctx); err == nil {
					campaignName = sc.CampaignName
				}
				if err := sender.SendReport(ctx, mailTo, campaignName, path.Base(filepath.ToSlash(runDir)), rep.Summary); err != nil {
					return err
				}
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), dest)
			return err
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&runDir, "run-dir", "", "Run directory (or bucket prefix)")
	fl.StringVar(&deviceNDJSON, "device-ndjson", "", "Device notification NDJSON file instead of the run's device stream")
	fl.StringVar(&out, "out", "", "Local directory for the report instead of the run's report folder")
	fl.Float64Var(&threshold, "match-threshold", match.DefaultThreshold, "Minimum score for a match")
	fl.BoolVar(&noMarkdown, "no-markdown", false, "Skip report.md")
	fl.StringSliceVar(&mailTo, "mail-to", nil, "Mail the summary to these addresses (MAIL_PROVIDER)")
	_ = cmd.MarkFlagRequired("run-dir")
	return cmd
}

// dirSaver writes report artefacts directly into a store's root.
type dirSaver struct {
	store *storage.Store
}

func (d dirSaver) SaveReport(ctx context.Context, name string, data []byte) error {
	return d.store.Write(ctx, name, data)
}

func readNotifications(file string) ([]campaign.DeviceNotification, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read device notifications: %w", err)
	}
	rows, err := storage.DecodeNDJSON[campaign.DeviceNotification](data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", file, err)
	}
	return rows, nil
}

// writeNDJSONFile writes rows to a local NDJSON file outside any run.
func (a *app) writeNDJSONFile(ctx context.Context, file string, rows []campaign.DeviceNotification, appendMode bool) error {
	data, err := storage.EncodeNDJSON(rows)
	if err != nil {
		return err
	}
	local := storage.NewLocal(filepath.Dir(file), a.logger)
	key := filepath.Base(file)
	if appendMode {
		return local.Append(ctx, key, data)
	}
	return local.Write(ctx, key, data)
}
