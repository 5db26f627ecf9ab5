package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/DevHatRo/clamav-gateway-go/internal/adminhttp"
)

// uploadSlack leaves room for multipart framing above the scan size limit.
const uploadSlack = 1 << 20

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scan and administration HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := newApp(ctx, *configPath, os.Stdout)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := a.Close(shutdownCtx); err != nil {
					a.logger.Error("shutdown failed", "error", err)
				}
			}()
			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	var maxUpload int64
	if a.cfg.Gateway.MaxFileSize > 0 {
		maxUpload = a.cfg.Gateway.MaxFileSize + uploadSlack
	}

	server := &http.Server{
		Addr: a.cfg.HTTPAddr,
		Handler: adminhttp.Router(a.gateway, adminhttp.Options{
			ServiceName:    serviceName,
			Logger:         a.logger,
			Gatherer:       a.registry,
			MaxUploadBytes: maxUpload,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("server shutdown error", "error", err)
		}
	}()

	info := a.gateway.ServiceInfo(ctx)
	a.logger.Info("listening",
		"addr", server.Addr,
		"mode", info.Mode,
		"clamd", info.ConnectionDescriptor,
		"enabled", info.Enabled)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error("server failed", "error", err)
		return err
	}
	return nil
}
