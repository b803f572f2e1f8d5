/*
Copyright 2021 The cert-manager Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/cert-manager/cmp/pkg/cmp/server"
	"github.com/cert-manager/cmp/internal/cmd/options"
	"github.com/cert-manager/cmp/internal/codec"
	"github.com/cert-manager/cmp/internal/pki"
)

const (
	helpOutput = "A CMP (RFC 4210) responder answering certificate lifecycle transactions over HTTP"
)

// NewCommand returns a new command instance of the CMP responder.
func NewCommand(ctx context.Context) *cobra.Command {
	opts := options.New()

	cmd := &cobra.Command{
		Use:   "cmp-responder",
		Short: helpOutput,
		Long:  helpOutput,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.Complete()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			log := opts.Logr.WithName("main")

			log.Info("generating responder identity", "commonName", opts.Responder.CommonName)
			serverCert, serverKey, err := pki.NewSelfSignedIdentity(opts.Responder.CommonName, clock.RealClock{}, 365*24*time.Hour)
			if err != nil {
				return fmt.Errorf("failed to generate responder identity: %w", err)
			}
			certOut, _, err := pki.NewSelfSignedIdentity(opts.Responder.CommonName+"-issued", clock.RealClock{}, 24*time.Hour)
			if err != nil {
				return fmt.Errorf("failed to generate canned certificate: %w", err)
			}

			registry := prometheus.NewRegistry()
			responder, err := server.New(server.Options{
				Log:                       opts.Logr.WithName("responder"),
				Codec:                     codec.New(),
				Crypto:                    pki.New(),
				Cert:                      serverCert,
				Key:                       serverKey,
				SharedSecret:              []byte(opts.Responder.SharedSecret),
				CertOut:                   certOut,
				AcceptUnprotectedRequests: opts.Responder.AcceptUnprotectedRequests,
				AcceptRAVerified:          opts.Responder.AcceptRAVerified,
				GrantImplicitConfirm:      opts.Responder.GrantImplicitConfirm,
				SendUnprotectedErrors:     opts.Responder.SendUnprotectedErrors,
				PollCount:                 opts.Responder.PollCount,
				CheckAfterTime:            opts.Responder.CheckAfter,
				Registry:                  registry,
			})
			if err != nil {
				return fmt.Errorf("failed to build responder: %w", err)
			}

			mux := http.NewServeMux()
			mux.Handle(opts.ServerPath, responder.HTTPHandler())
			srv := &http.Server{Addr: opts.ListenAddress, Handler: mux}

			var metricsSrv *http.Server
			if opts.MetricsAddress != "0" {
				metricsMux := http.NewServeMux()
				metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
				metricsSrv = &http.Server{Addr: opts.MetricsAddress, Handler: metricsMux}
				go func() {
					log.Info("serving metrics", "address", opts.MetricsAddress)
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error(err, "metrics server failed")
					}
				}()
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info("serving CMP", "address", opts.ListenAddress, "path", opts.ServerPath)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if metricsSrv != nil {
					_ = metricsSrv.Shutdown(shutdownCtx)
				}
				return srv.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}

	opts.Prepare(cmd)

	return cmd
}
