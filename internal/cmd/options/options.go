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

package options

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	cliflag "k8s.io/component-base/cli/flag"
	"k8s.io/klog/v2"
)

// Options are the main options for the CMP responder. Populated via
// processing command line flags.
type Options struct {
	// ListenAddress is the TCP address the CMP HTTP endpoint is served on.
	ListenAddress string

	// ServerPath is the HTTP path of the CMP endpoint.
	ServerPath string

	// MetricsAddress is the TCP address for exposing HTTP Prometheus
	// metrics which will be served on the HTTP path '/metrics'. The value
	// "0" will disable exposing metrics.
	MetricsAddress string

	// Responder are options controlling the canned responder behavior.
	Responder Responder

	// log are options controlling logging.
	log logOptions

	// Logr is the shared base logger.
	Logr logr.Logger
}

type logOptions struct {
	format logFormat
	level  int
}

const (
	logFormatText logFormat = "text"
	logFormatJSON logFormat = "json"
)

type logFormat string

// String is used both by fmt.Print and by Cobra in help text
func (e *logFormat) String() string {
	if len(*e) == 0 {
		return string(logFormatText)
	}
	return string(*e)
}

// Set must have pointer receiver to avoid changing the value of a copy
func (e *logFormat) Set(v string) error {
	switch v {
	case "text", "json":
		*e = logFormat(v)
		return nil
	default:
		return errors.New(`must be one of "text" or "json"`)
	}
}

// Type is only used in help text
func (e *logFormat) Type() string {
	return "string"
}

// Responder holds options specific to the canned CMP responder.
type Responder struct {
	// CommonName of the ephemeral self-signed responder identity.
	CommonName string

	// SharedSecret enables MAC protection when set.
	SharedSecret string

	// AcceptUnprotectedRequests tolerates requests without protection.
	AcceptUnprotectedRequests bool

	// AcceptRAVerified accepts RAVerified proof of possession.
	AcceptRAVerified bool

	// GrantImplicitConfirm grants implicit confirmation when requested.
	GrantImplicitConfirm bool

	// SendUnprotectedErrors leaves negative responses unprotected.
	SendUnprotectedErrors bool

	// PollCount is the number of pollRep answers before the deferred
	// certificate response is released.
	PollCount int

	// CheckAfter is the checkAfter value of pollRep answers, in seconds.
	CheckAfter int64
}

func New() *Options {
	return new(Options)
}

func (o *Options) Prepare(cmd *cobra.Command) *Options {
	o.addFlags(cmd)
	return o
}

func (o *Options) Complete() error {
	opts := &slog.HandlerOptions{
		// To avoid a breaking change in application configuration,
		// we negate the (configured) logr verbosity level to get the
		// corresponding slog level
		Level: slog.Level(-o.log.level),
	}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if o.log.format == logFormatJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))

	log := logr.FromSlogHandler(handler)
	klog.SetLogger(log)
	o.Logr = log

	return nil
}

func (o *Options) addFlags(cmd *cobra.Command) {
	var nfs cliflag.NamedFlagSets

	o.addAppFlags(nfs.FlagSet("App"))
	o.addLoggingFlags(nfs.FlagSet("Logging"))
	o.addResponderFlags(nfs.FlagSet("Responder"))

	usageFmt := "Usage:\n  %s\n"
	cmd.SetUsageFunc(func(cmd *cobra.Command) error {
		fmt.Fprintf(cmd.OutOrStderr(), usageFmt, cmd.UseLine())
		cliflag.PrintSections(cmd.OutOrStderr(), nfs, 0)
		return nil
	})

	cmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n\n"+usageFmt, cmd.Long, cmd.UseLine())
		cliflag.PrintSections(cmd.OutOrStdout(), nfs, 0)
	})

	fs := cmd.Flags()
	for _, f := range nfs.FlagSets {
		fs.AddFlagSet(f)
	}
}

func (o *Options) addAppFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.ListenAddress, "listen-address", ":8080",
		"TCP address the CMP HTTP endpoint is served on.")

	fs.StringVar(&o.ServerPath, "server-path", "/pkixcmp",
		"HTTP path of the CMP endpoint.")

	fs.StringVar(&o.MetricsAddress, "metrics-bind-address", ":9402",
		`TCP address for exposing HTTP Prometheus metrics which will be served on the HTTP path '/metrics'. The value "0" will
	 disable exposing metrics.`)
}

func (o *Options) addLoggingFlags(fs *pflag.FlagSet) {
	fs.Var(&o.log.format,
		"log-format",
		"Log format (text or json)")

	fs.IntVarP(&o.log.level,
		"log-level", "v", 1,
		"Log level (1-5).")
}

func (o *Options) addResponderFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Responder.CommonName,
		"common-name", "cmp-responder",
		"Common name of the ephemeral self-signed responder identity.")

	fs.StringVar(&o.Responder.SharedSecret,
		"shared-secret", "",
		"Shared secret for MAC protection. Signature protection with the ephemeral identity is used when empty.")

	fs.BoolVar(&o.Responder.AcceptUnprotectedRequests,
		"accept-unprotected-requests", false,
		"Tolerate requests without protection.")

	fs.BoolVar(&o.Responder.AcceptRAVerified,
		"accept-raverified", false,
		"Accept RAVerified proof of possession in certificate requests.")

	fs.BoolVar(&o.Responder.GrantImplicitConfirm,
		"grant-implicit-confirm", false,
		"Grant implicit confirmation when the client requests it.")

	fs.BoolVar(&o.Responder.SendUnprotectedErrors,
		"send-unprotected-errors", false,
		"Leave ERROR, PKIconf and rejected revocation responses unprotected.")

	fs.IntVar(&o.Responder.PollCount,
		"poll-count", 0,
		"Number of pollRep answers before the deferred certificate response is released.")

	fs.Int64Var(&o.Responder.CheckAfter,
		"check-after", 1,
		"checkAfter value of pollRep answers, in seconds.")
}
