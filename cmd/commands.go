// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt
// SPDX-FileContributor: mochi-co

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mochi-mqtt/extension"
	"github.com/mochi-mqtt/extension/config"
	"github.com/mochi-mqtt/extension/extensions/audit"
	"github.com/mochi-mqtt/extension/extensions/audit/badger"
	"github.com/mochi-mqtt/extension/extensions/audit/bolt"
	"github.com/mochi-mqtt/extension/extensions/audit/pebble"
	"github.com/mochi-mqtt/extension/packets"
)

// ErrNotAuthenticated is returned by the authorization commands when the client fails authentication.
var ErrNotAuthenticated = errors.New("client not authenticated")

// ErrInvalidTopic is returned when a publish topic or subscription filter is malformed.
var ErrInvalidTopic = errors.New("invalid topic or filter")

// report is the printed result of a single decision.
type report struct {
	ID         string `json:"id"`
	Domain     string `json:"domain"`
	Subject    string `json:"subject"`
	Verdict    string `json:"verdict"`
	Reason     string `json:"reason,omitempty"`
	Extension  string `json:"extension,omitempty"`
	Code       byte   `json:"code"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Faulted    bool   `json:"faulted,omitempty"`
	Defaulted  bool   `json:"defaulted,omitempty"`
	Disconnect bool   `json:"disconnect,omitempty"`
}

// newReport returns the report of a resolution.
func newReport(subject string, res extension.Resolution) report {
	return report{
		ID:        res.ID,
		Domain:    res.Domain.String(),
		Subject:   subject,
		Verdict:   res.Outcome.Verdict.String(),
		Reason:    res.Outcome.ReasonString(),
		Extension: res.Extension.OrElse(""),
		Code:      res.Outcome.Code.Code,
		TimedOut:  res.TimedOut,
		Faulted:   res.Faulted,
		Defaulted: res.Defaulted,
	}
}

// rootCommand evaluates decisions against a pipeline built from a config file.
type rootCommand struct {
	ctx        context.Context
	cancel     context.CancelFunc
	out        io.Writer
	configPath string
	logLevel   string
	client     extension.ClientInfo
	username   string
	password   string
}

func newRootCommand(out io.Writer) *rootCommand {
	ctx, cancel := context.WithCancel(context.Background())
	return &rootCommand{
		ctx:    ctx,
		cancel: cancel,
		out:    out,
	}
}

// Command returns the cobra command tree.
func (c *rootCommand) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "mochi-extension",
		Short:         "Evaluate mqtt authentication and authorization decisions against an extension pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "", "path to a json or yaml pipeline config file")
	pf.StringVar(&c.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.StringVar(&c.client.ID, "client-id", "mochi-cli", "client id of the evaluated client")
	pf.StringVar(&c.username, "username", "", "username of the evaluated client")
	pf.StringVar(&c.password, "password", "", "password of the evaluated client")
	pf.StringVar(&c.client.Remote, "remote", "127.0.0.1", "remote address of the evaluated client")
	pf.StringVar(&c.client.Listener, "listener", "cli", "listener id of the evaluated client")
	pf.Uint8Var(&c.client.ProtocolVersion, "protocol", packets.Version5, "mqtt protocol version of the evaluated client")

	cmd.AddCommand(
		c.authenticateCommand(),
		c.publishCommand(),
		c.subscribeCommand(),
		c.auditCommand(),
		c.versionCommand(),
	)

	return cmd
}

// logger returns a logger at the configured level.
func (c *rootCommand) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.logLevel)); err != nil {
		return nil, err
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})), nil
}

// pipeline builds a pipeline from the config file, if any.
func (c *rootCommand) pipeline() (*extension.Pipeline, error) {
	opts := new(extension.Options)
	if c.configPath != "" {
		o, err := config.FromFile(c.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}

		if o != nil {
			opts = o
		}
	}

	log, err := c.logger()
	if err != nil {
		return nil, err
	}
	opts.Logger = log

	return extension.New(opts)
}

// print writes v to the output as indented json.
func (c *rootCommand) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// authenticate resolves the authentication of the configured client.
func (c *rootCommand) authenticate(p *extension.Pipeline) extension.AuthResult {
	c.client.Username = []byte(c.username)
	return p.Authenticate(c.ctx, &extension.ConnectInput{
		Client:   c.client,
		Password: []byte(c.password),
	})
}

func (c *rootCommand) authenticateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "authenticate",
		Short: "Resolve the authentication of a CONNECT",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.pipeline()
			if err != nil {
				return err
			}
			defer p.Close()

			r := c.authenticate(p)
			out := newReport(c.username, r.Resolution)
			out.Code = r.ConnackCode(c.client.ProtocolVersion).Code
			return c.print(out)
		},
	}
}

func (c *rootCommand) publishCommand() *cobra.Command {
	var (
		qos    uint8
		retain bool
	)

	cmd := &cobra.Command{
		Use:   "publish <topic>",
		Short: "Authenticate the client and resolve the authorization of a PUBLISH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !packets.IsValidFilter(args[0], true) {
				return fmt.Errorf("%w: %s", ErrInvalidTopic, args[0])
			}

			p, err := c.pipeline()
			if err != nil {
				return err
			}
			defer p.Close()

			ar := c.authenticate(p)
			if !ar.Authenticated() {
				_ = c.print(newReport(c.username, ar.Resolution))
				return ErrNotAuthenticated
			}

			r := p.AuthorizePublish(c.ctx, &extension.PublishInput{
				Client:      c.client,
				Permissions: ar.Permissions,
				Topic:       args[0],
				Qos:         qos,
				Retain:      retain,
			})

			out := newReport(args[0], r.Resolution)
			out.Code = r.AckCode().Code
			out.Disconnect = r.ShouldDisconnect()
			return c.print(out)
		},
	}

	cmd.Flags().Uint8Var(&qos, "qos", 0, "qos of the publish")
	cmd.Flags().BoolVar(&retain, "retain", false, "retain flag of the publish")
	return cmd
}

func (c *rootCommand) subscribeCommand() *cobra.Command {
	var qos uint8

	cmd := &cobra.Command{
		Use:   "subscribe <filter>...",
		Short: "Authenticate the client and resolve the authorization of a SUBSCRIBE",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range args {
				if !packets.IsValidFilter(f, false) {
					return fmt.Errorf("%w: %s", ErrInvalidTopic, f)
				}
			}

			p, err := c.pipeline()
			if err != nil {
				return err
			}
			defer p.Close()

			ar := c.authenticate(p)
			if !ar.Authenticated() {
				_ = c.print(newReport(c.username, ar.Resolution))
				return ErrNotAuthenticated
			}

			subs := make([]packets.Subscription, len(args))
			for i, f := range args {
				subs[i] = packets.Subscription{Filter: f, Qos: qos}
			}

			r := p.AuthorizeSubscribe(c.ctx, &extension.SubscribeInput{
				Client:        c.client,
				Permissions:   ar.Permissions,
				Subscriptions: subs,
			})

			reports := make([]report, len(r.Subscriptions))
			for i, res := range r.Subscriptions {
				reports[i] = newReport(args[i], res)
			}

			codes := []int{}
			for _, b := range r.SubackCodes(c.client.ProtocolVersion) {
				codes = append(codes, int(b))
			}

			return c.print(struct {
				Subscriptions []report `json:"subscriptions"`
				Codes         []int    `json:"codes"`
				Reason        string   `json:"reason,omitempty"`
				Disconnect    bool     `json:"disconnect,omitempty"`
			}{
				Subscriptions: reports,
				Codes:         codes,
				Reason:        r.ReasonString(),
				Disconnect:    r.ShouldDisconnect(),
			})
		},
	}

	cmd.Flags().Uint8Var(&qos, "qos", 0, "requested qos of every subscription")
	return cmd
}

// recordStore is an audit extension which can list its records.
type recordStore interface {
	extension.Extension
	Records(f audit.Filter) ([]audit.Record, error)
}

func (c *rootCommand) auditCommand() *cobra.Command {
	var (
		filter  audit.Filter
		backend string
		path    string
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List the decisions recorded by an audit extension",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := c.logger()
			if err != nil {
				return err
			}

			var (
				store recordStore
				cfg   any
			)
			switch backend {
			case "bolt":
				store, cfg = new(bolt.Extension), &bolt.Options{Path: path}
			case "badger":
				store, cfg = new(badger.Extension), &badger.Options{Path: path}
			case "pebble":
				store, cfg = new(pebble.Extension), &pebble.Options{Path: path}
			default:
				return fmt.Errorf("unknown audit backend %q", backend)
			}

			store.SetOpts(log.With("extension", store.ID()), nil)
			if err := store.Init(cfg); err != nil {
				return err
			}
			defer store.Stop()

			records, err := store.Records(filter)
			if err != nil {
				return err
			}

			return c.print(records)
		},
	}

	f := cmd.Flags()
	f.StringVar(&backend, "backend", "bolt", "audit store backend (bolt, badger, pebble)")
	f.StringVar(&path, "path", "", "path to the audit store")
	f.StringVar(&filter.Client, "client", "", "only list decisions for a client id")
	f.StringVar(&filter.Domain, "domain", "", "only list decisions of a domain")
	f.StringVar(&filter.Verdict, "verdict", "", "only list decisions with a verdict")
	return cmd
}

func (c *rootCommand) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the pipeline version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(c.out, extension.Version)
			return err
		},
	}
}
