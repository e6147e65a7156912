// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

// Package redis provides an authenticator which checks client credentials
// against bcrypt password hashes held in Redis, without blocking the decision
// chain while the lookup is in flight.
package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/go-redis/redis/v8"
	"golang.org/x/crypto/bcrypt"

	"github.com/mochi-mqtt/extension"
	"github.com/mochi-mqtt/extension/packets"
	"github.com/mochi-mqtt/extension/permissions"
)

// defaultAddr is the default address to the redis service.
const defaultAddr = "localhost:6379"

// defaultHPrefix is a prefix to better identify hsets created by mochi mqtt.
const defaultHPrefix = "mochi-"

// defaultTimeout is the default time an authentication may wait on redis.
const defaultTimeout = 5 * time.Second

const (
	usersKey       = "users"       // hset of bcrypt password hashes keyed on username
	permissionsKey = "permissions" // hset of json or yaml default permissions keyed on username
)

// Options contains configuration settings for the redis authenticator.
type Options struct {
	Options *redis.Options `yaml:"options" json:"options"`
	HPrefix string         `yaml:"h_prefix" json:"h_prefix"`
	Timeout time.Duration  `yaml:"timeout" json:"timeout"` // the async timeout of each authentication
	Cost    int            `yaml:"cost" json:"cost"`       // the bcrypt cost used by SetUser
}

// Extension is an async authenticator using Redis as a credential store.
type Extension struct {
	extension.ExtensionBase
	config *Options        // options for connecting to the Redis instance.
	db     *redis.Client   // the Redis instance
	ctx    context.Context // a context for the connection
}

// ID returns the id of the extension.
func (h *Extension) ID() string {
	return "redis-auth"
}

// Provides indicates which methods this extension provides.
func (h *Extension) Provides(b byte) bool {
	return bytes.Contains([]byte{
		extension.OnAuthenticate,
	}, []byte{b})
}

// hKey returns a hash set key with a unique prefix.
func (h *Extension) hKey(s string) string {
	return h.config.HPrefix + s
}

// Init initializes and connects to the redis service.
func (h *Extension) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return extension.ErrInvalidConfigType
	}

	h.ctx = context.Background()

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	if h.config.Options == nil {
		h.config.Options = &redis.Options{
			Addr: defaultAddr,
		}
	}

	if h.config.HPrefix == "" {
		h.config.HPrefix = defaultHPrefix
	}

	if h.config.Timeout <= 0 {
		h.config.Timeout = defaultTimeout
	}

	if h.config.Cost == 0 {
		h.config.Cost = bcrypt.DefaultCost
	}

	h.Log.Info("connecting to redis service",
		"address", h.config.Options.Addr,
		"username", h.config.Options.Username,
		"password-len", len(h.config.Options.Password),
		"db", h.config.Options.DB)

	h.db = redis.NewClient(h.config.Options)
	_, err := h.db.Ping(h.ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping service: %w", err)
	}

	h.Log.Info("connected to redis service")

	return nil
}

// Stop closes the redis connection.
func (h *Extension) Stop() error {
	h.Log.Info("disconnecting from redis service")
	return h.db.Close()
}

// SetUser stores the bcrypt hash of a password for a username, and optionally
// the default permissions given to the user on authentication.
func (h *Extension) SetUser(ctx context.Context, username string, password []byte, perms *permissions.Permissions) error {
	hash, err := bcrypt.GenerateFromPassword(password, h.config.Cost)
	if err != nil {
		return err
	}

	if err := h.db.HSet(ctx, h.hKey(usersKey), username, hash).Err(); err != nil {
		return err
	}

	if perms == nil {
		return h.db.HDel(ctx, h.hKey(permissionsKey), username).Err()
	}

	data, err := perms.ToJSON()
	if err != nil {
		return err
	}

	return h.db.HSet(ctx, h.hKey(permissionsKey), username, data).Err()
}

// DeleteUser removes the credentials and permissions of a username.
func (h *Extension) DeleteUser(ctx context.Context, username string) error {
	if err := h.db.HDel(ctx, h.hKey(usersKey), username).Err(); err != nil {
		return err
	}

	return h.db.HDel(ctx, h.hKey(permissionsKey), username).Err()
}

// OnAuthenticate suspends the decision while the credentials of the client are
// looked up on the extension worker pool. Unknown users are passed on to the
// next authenticator; a lookup which does not finish in time fails the client.
func (h *Extension) OnAuthenticate(in *extension.ConnectInput, out *extension.AuthOutput) {
	if len(in.Client.Username) == 0 {
		_ = out.NextExtensionOrDefault()
		return
	}

	token, err := out.Async(extension.AsyncOptions{
		Timeout:  h.config.Timeout,
		Fallback: extension.FallbackFailure,
	})
	if err != nil {
		h.Log.Error("failed to suspend authentication", "error", err, "client", in.Client.ID)
		_ = out.FailAuthenticationCode(packets.ErrServerUnavailable)
		return
	}

	task := func() {
		h.authenticate(in, out)
		_ = token.Resume()
	}

	if h.Opts == nil || h.Opts.Pool == nil || !h.Opts.Pool.Enqueue(in.Client.ID, task) {
		go task()
	}
}

// authenticate checks the credentials of the client and records the decision.
func (h *Extension) authenticate(in *extension.ConnectInput, out *extension.AuthOutput) {
	ctx, cancel := context.WithTimeout(h.ctx, h.config.Timeout)
	defer cancel()

	username := string(in.Client.Username)
	hash, err := h.db.HGet(ctx, h.hKey(usersKey), username).Bytes()
	if errors.Is(err, redis.Nil) {
		_ = out.NextExtensionOrDefault()
		return
	}

	if err != nil {
		h.Log.Error("failed to get user", "error", err, "username", username)
		_ = out.FailAuthenticationCode(packets.ErrServerUnavailable)
		return
	}

	if err := bcrypt.CompareHashAndPassword(hash, in.Password); err != nil {
		h.Log.Info("client failed authentication check", "username", username, "remote", in.Client.Remote)
		_ = out.FailAuthenticationCode(packets.ErrBadUsernameOrPassword)
		return
	}

	if err := h.loadPermissions(ctx, username, out.DefaultPermissions()); err != nil {
		h.Log.Error("failed to load permissions", "error", err, "username", username)
		_ = out.FailAuthenticationCode(packets.ErrServerUnavailable)
		return
	}

	_ = out.AuthenticateSuccessfully()
}

// loadPermissions adds the stored default permissions of a user to perms.
func (h *Extension) loadPermissions(ctx context.Context, username string, perms *permissions.Permissions) error {
	data, err := h.db.HGet(ctx, h.hKey(permissionsKey), username).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}

	if err != nil {
		return err
	}

	stored := new(permissions.Permissions)
	if err := stored.Unmarshal(data); err != nil {
		return err
	}

	perms.Add(stored.Items...)
	if stored.Default != permissions.BehaviourUnset {
		perms.SetDefaultBehaviour(stored.Default)
	}

	return nil
}
