// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt
// SPDX-FileContributor: mochi-co

package extension

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mochi-mqtt/extension/packets"
	"github.com/mochi-mqtt/extension/permissions"
)

func connectInput() *ConnectInput {
	return &ConnectInput{
		Client: ClientInfo{
			ID:              "zen",
			Username:        []byte("melon"),
			Remote:          "127.0.0.1:34567",
			Listener:        "t1",
			ProtocolVersion: packets.Version5,
		},
		Password: []byte("melon-pass"),
	}
}

func TestAuthenticateEmptyChain(t *testing.T) {
	p := newTestPipeline(t)

	r := p.Authenticate(context.Background(), connectInput())
	require.False(t, r.Authenticated())
	require.Equal(t, FailOutcome(packets.ErrNotAuthorized, Some("Authentication failed")), r.Outcome)
	require.True(t, r.Defaulted)
	require.False(t, r.Extension.IsSet())
	require.Equal(t, DomainAuthentication, r.Domain)
	require.Equal(t, packets.ErrNotAuthorized, r.ConnackCode(packets.Version5))
	require.Equal(t, packets.Err3NotAuthorized, r.ConnackCode(packets.Version311))
	require.Equal(t, "Authentication failed", r.ReasonString())
	require.False(t, r.ClearPassword())
}

func TestAuthenticateDelegateOrder(t *testing.T) {
	p := newTestPipeline(t)
	rec := new(recorder)

	e1 := newModifiedExtension("e1", rec)
	e1.auth = delegateAuth
	e2 := newModifiedExtension("e2", rec)
	e2.auth = delegateAuth
	e3 := newModifiedExtension("e3", rec)
	e3.auth = func(in *ConnectInput, out *AuthOutput) {
		_ = out.FailAuthenticationReason(packets.ErrBanned, "banned")
	}

	// added out of order; priority decides.
	require.NoError(t, p.AddExtension(e3, 1, nil))
	require.NoError(t, p.AddExtension(e1, 3, nil))
	require.NoError(t, p.AddExtension(e2, 2, nil))

	r := p.Authenticate(context.Background(), connectInput())
	require.Equal(t, FailOutcome(packets.ErrBanned, Some("banned")), r.Outcome)
	require.Equal(t, Some("e3"), r.Extension)
	require.Equal(t, []string{"e1", "e2", "e3"}, rec.get())
	require.Equal(t, int64(1), e1.calls.Load())
	require.Equal(t, int64(1), e2.calls.Load())
	require.Equal(t, int64(1), e3.calls.Load())
}

func TestAuthenticateEqualPriorityOrder(t *testing.T) {
	p := newTestPipeline(t)
	rec := new(recorder)

	for _, id := range []string{"c", "a", "b"} {
		e := newModifiedExtension(id, rec)
		e.auth = delegateAuth
		require.NoError(t, p.AddExtension(e, 0, nil))
	}

	r := p.Authenticate(context.Background(), connectInput())
	require.True(t, r.Defaulted)
	require.Equal(t, []string{"c", "a", "b"}, rec.get())
}

func TestAuthenticateSuccess(t *testing.T) {
	p := newTestPipeline(t)
	rec := new(recorder)

	e1 := newModifiedExtension("e1", rec)
	e1.auth = func(in *ConnectInput, out *AuthOutput) {
		out.DefaultPermissions().Add(permissions.TopicPermission{Filter: "melon/#"})
		_ = out.NextExtensionOrDefault()
	}
	e2 := newModifiedExtension("e2", rec)
	seen := make(chan int, 1)
	e2.auth = func(in *ConnectInput, out *AuthOutput) {
		seen <- out.DefaultPermissions().Len()
		_ = out.AuthenticateSuccessfullyAndClearPassword()
	}
	e3 := newModifiedExtension("e3", rec)
	e3.auth = delegateAuth

	require.NoError(t, p.AddExtension(e1, 3, nil))
	require.NoError(t, p.AddExtension(e2, 2, nil))
	require.NoError(t, p.AddExtension(e3, 1, nil))

	r := p.Authenticate(context.Background(), connectInput())
	require.True(t, r.Authenticated())
	require.True(t, r.ClearPassword())
	require.Equal(t, packets.CodeSuccess, r.ConnackCode(packets.Version5))
	require.Equal(t, byte(0), r.ConnackCode(packets.Version311).Code)
	require.Equal(t, "", r.ReasonString())
	require.True(t, r.Permissions.AuthorizePublish("melon/a", 0, false))
	require.False(t, r.Permissions.AuthorizePublish("peach/a", 0, false))
	require.Equal(t, []string{"e1", "e2"}, rec.get())
	require.Equal(t, 1, <-seen)

	// the result holds a snapshot.
	r.Permissions.Clear()
	require.Equal(t, 0, r.Permissions.Len())
}

func TestAuthenticateNotifiesExtensions(t *testing.T) {
	p := newTestPipeline(t)
	e := newModifiedExtension("e", nil)
	e.auth = func(in *ConnectInput, out *AuthOutput) {
		_ = out.AuthenticateSuccessfully()
	}
	require.NoError(t, p.AddExtension(e, 0, nil))

	in := connectInput()
	r := p.Authenticate(context.Background(), in)

	d := e.getDecisions()
	require.Len(t, d, 1)
	require.Equal(t, "melon", d[0].Subject)
	require.Equal(t, in.Client, d[0].Client)
	require.Equal(t, r.Resolution, d[0].Resolution)

	ev := e.getEvents()
	require.Len(t, ev, 1)
	require.Equal(t, LifecycleAuthenticationSuccessful, ev[0].Kind)
	require.Equal(t, packets.CodeSuccess, ev[0].Code)
}

func TestAuthenticateFailedNotifies(t *testing.T) {
	p := newTestPipeline(t)
	e := newModifiedExtension("e", nil)
	require.NoError(t, p.AddExtension(e, 0, nil))

	p.Authenticate(context.Background(), connectInput())
	ev := e.getEvents()
	require.Len(t, ev, 1)
	require.Equal(t, LifecycleAuthenticationFailed, ev[0].Kind)
	require.Equal(t, packets.ErrNotAuthorized, ev[0].Code)
	require.Equal(t, Some("Authentication failed"), ev[0].Reason)
}

func TestAuthenticateObscureNotAuthorized(t *testing.T) {
	p := newTestPipeline(t)
	p.Options.Capabilities.Compatibilities.ObscureNotAuthorized = true

	r := p.Authenticate(context.Background(), connectInput())
	require.Equal(t, packets.ErrUnspecifiedError, r.ConnackCode(packets.Version5))
	require.Equal(t, packets.ErrNotAuthorized, r.Outcome.Code)
}

func TestAuthOutputValidation(t *testing.T) {
	p := newTestPipeline(t)
	errs := make(chan error, 8)
	states := make(chan State, 1)
	e := newModifiedExtension("e", nil)
	e.auth = func(in *ConnectInput, out *AuthOutput) {
		errs <- out.FailAuthenticationCode(packets.CodeSuccess)
		errs <- out.FailAuthenticationCode(packets.ErrTopicFilterInvalid)
		errs <- out.FailAuthenticationReason(packets.ErrBanned, string([]byte{0xff}))
		states <- out.State()
		errs <- out.FailAuthenticationCode(packets.ErrBanned)
		errs <- out.AuthenticateSuccessfully()
		errs <- out.NextExtensionOrDefault()
		errs <- out.FailAuthentication()
	}
	require.NoError(t, p.AddExtension(e, 0, nil))

	r := p.Authenticate(context.Background(), connectInput())
	require.Equal(t, FailOutcome(packets.ErrBanned, Some("Authentication failed")), r.Outcome)
	require.Equal(t, StatePending, <-states)

	require.ErrorIs(t, <-errs, ErrInvalidReasonCode)
	require.ErrorIs(t, <-errs, ErrInvalidReasonCode)
	require.ErrorIs(t, <-errs, ErrInvalidReasonString)
	require.NoError(t, <-errs)
	require.ErrorIs(t, <-errs, ErrAlreadyDecided)
	require.ErrorIs(t, <-errs, ErrAlreadyDecided)
	require.ErrorIs(t, <-errs, ErrAlreadyDecided)
}

func TestAuthenticateFault(t *testing.T) {
	p := newTestPipeline(t)
	rec := new(recorder)
	e := newModifiedExtension("e", rec)
	e.auth = func(in *ConnectInput, out *AuthOutput) {
		_ = out.AuthenticateSuccessfully()
	}
	require.NoError(t, p.AddExtension(new(panicExtension), 10, nil))
	require.NoError(t, p.AddExtension(e, 0, nil))

	r := p.Authenticate(context.Background(), connectInput())
	require.False(t, r.Authenticated())
	require.True(t, r.Faulted)
	require.Equal(t, Some("panic"), r.Extension)
	require.Equal(t, FailOutcome(packets.ErrNotAuthorized, Some("Authentication failed")), r.Outcome)
	require.Empty(t, rec.get())
}

func TestAuthenticateAsyncTimeoutFailure(t *testing.T) {
	p := newTestPipeline(t)
	e := newModifiedExtension("e", nil)
	e.auth = func(in *ConnectInput, out *AuthOutput) {
		_, _ = out.Async(AsyncOptions{
			Timeout:  100 * time.Millisecond,
			Fallback: FallbackFailure,
		})
	}
	require.NoError(t, p.AddExtension(e, 0, nil))

	start := time.Now()
	r := p.Authenticate(context.Background(), connectInput())
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	require.True(t, r.TimedOut)
	require.Equal(t, Some("e"), r.Extension)
	require.Equal(t, FailOutcome(packets.ErrNotAuthorized, Some(authTimedOutReason)), r.Outcome)
}

func TestAuthenticateAsyncTimeoutConfiguredFailure(t *testing.T) {
	p := newTestPipeline(t)
	e := newModifiedExtension("e", nil)
	e.auth = func(in *ConnectInput, out *AuthOutput) {
		_, _ = out.Async(AsyncOptions{
			Timeout:  10 * time.Millisecond,
			Fallback: FallbackFailure,
			Code:     Some(packets.ErrServerUnavailable),
			Reason:   Some("store unavailable"),
		})
	}
	require.NoError(t, p.AddExtension(e, 0, nil))

	r := p.Authenticate(context.Background(), connectInput())
	require.True(t, r.TimedOut)
	require.Equal(t, FailOutcome(packets.ErrServerUnavailable, Some("store unavailable")), r.Outcome)
	require.Equal(t, packets.Err3ServerUnavailable, r.ConnackCode(packets.Version311))
}

func TestAuthenticateAsyncTimeoutSuccessDelegates(t *testing.T) {
	p := newTestPipeline(t)
	rec := new(recorder)
	e1 := newModifiedExtension("e1", rec)
	e1.auth = func(in *ConnectInput, out *AuthOutput) {
		_, _ = out.Async(AsyncOptions{
			Timeout:  10 * time.Millisecond,
			Fallback: FallbackSuccess,
		})
	}
	e2 := newModifiedExtension("e2", rec)
	e2.auth = func(in *ConnectInput, out *AuthOutput) {
		_ = out.AuthenticateSuccessfully()
	}
	require.NoError(t, p.AddExtension(e1, 2, nil))
	require.NoError(t, p.AddExtension(e2, 1, nil))

	r := p.Authenticate(context.Background(), connectInput())
	require.True(t, r.Authenticated())
	require.Equal(t, Some("e2"), r.Extension)
	require.Equal(t, []string{"e1", "e2"}, rec.get())
}

func TestAuthenticateAsyncResumed(t *testing.T) {
	p := newTestPipeline(t)
	tokens := make(chan *AsyncToken, 1)
	e := newModifiedExtension("e", nil)
	e.auth = func(in *ConnectInput, out *AuthOutput) {
		tok, err := out.Async(AsyncOptions{
			Timeout:  100 * time.Millisecond,
			Fallback: FallbackFailure,
		})
		if err != nil {
			return
		}
		tokens <- tok
		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = out.AuthenticateSuccessfully()
			_ = tok.Resume()
		}()
	}
	require.NoError(t, p.AddExtension(e, 0, nil))

	r := p.Authenticate(context.Background(), connectInput())
	require.True(t, r.Authenticated())
	require.False(t, r.TimedOut)
	require.Equal(t, Some("e"), r.Extension)

	tok := <-tokens
	time.Sleep(75 * time.Millisecond)
	require.False(t, tok.TimedOut())
	require.ErrorIs(t, tok.Resume(), ErrAlreadyResumed)
}

func TestAuthenticateAsyncResumedWithoutDecision(t *testing.T) {
	p := newTestPipeline(t)
	e := newModifiedExtension("e", nil)
	e.auth = func(in *ConnectInput, out *AuthOutput) {
		tok, err := out.Async(AsyncOptions{Timeout: time.Second})
		if err != nil {
			return
		}
		go func() {
			_ = tok.Resume()
		}()
	}
	require.NoError(t, p.AddExtension(e, 0, nil))

	r := p.Authenticate(context.Background(), connectInput())
	require.True(t, r.Defaulted)
	require.False(t, r.TimedOut)
	require.Equal(t, FailOutcome(packets.ErrNotAuthorized, Some("Authentication failed")), r.Outcome)
}

func TestAuthenticateAsyncTwice(t *testing.T) {
	p := newTestPipeline(t)
	errs := make(chan error, 1)
	e := newModifiedExtension("e", nil)
	e.auth = func(in *ConnectInput, out *AuthOutput) {
		tok, err := out.Async(AsyncOptions{Timeout: time.Second, Fallback: FallbackFailure})
		if err != nil {
			return
		}

		_, err = out.Async(AsyncOptions{Timeout: 10 * time.Millisecond, Fallback: FallbackSuccess})
		errs <- err

		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = out.AuthenticateSuccessfully()
			_ = tok.Resume()
		}()
	}
	require.NoError(t, p.AddExtension(e, 0, nil))

	r := p.Authenticate(context.Background(), connectInput())
	require.ErrorIs(t, <-errs, ErrAsyncAlreadyCalled)
	require.True(t, r.Authenticated())
	require.False(t, r.TimedOut)
}

func TestAuthOutputAsyncValidation(t *testing.T) {
	p := newTestPipeline(t)
	p.Options.Capabilities.MinimumAsyncTimeout = 10 * time.Millisecond
	p.Options.Capabilities.MaximumAsyncTimeout = time.Second

	errs := make(chan error, 5)
	e := newModifiedExtension("e", nil)
	e.auth = func(in *ConnectInput, out *AuthOutput) {
		errs <- func() error { _, err := out.Async(AsyncOptions{}); return err }()
		errs <- func() error { _, err := out.Async(AsyncOptions{Timeout: time.Millisecond}); return err }()
		errs <- func() error { _, err := out.Async(AsyncOptions{Timeout: time.Minute}); return err }()
		errs <- func() error {
			_, err := out.Async(AsyncOptions{Timeout: 50 * time.Millisecond, Code: Some(packets.CodeSuccess)})
			return err
		}()
		errs <- out.NextExtensionOrDefault()
	}
	require.NoError(t, p.AddExtension(e, 0, nil))

	r := p.Authenticate(context.Background(), connectInput())
	require.True(t, r.Defaulted)

	require.ErrorIs(t, <-errs, ErrInvalidTimeout)
	require.ErrorIs(t, <-errs, ErrInvalidTimeout)
	require.ErrorIs(t, <-errs, ErrInvalidTimeout)
	require.ErrorIs(t, <-errs, ErrInvalidReasonCode)
	require.NoError(t, <-errs)
}

func TestAuthenticateRaceTrials(t *testing.T) {
	p := newTestPipeline(t)
	e := newModifiedExtension("e", nil)
	e.auth = func(in *ConnectInput, out *AuthOutput) {
		tok, err := out.Async(AsyncOptions{
			Timeout:  2 * time.Millisecond,
			Fallback: FallbackFailure,
		})
		if err != nil {
			return
		}
		go func() {
			time.Sleep(2 * time.Millisecond)
			_ = out.FailAuthenticationReason(packets.ErrBanned, "explicit")
			_ = tok.Resume()
		}()
	}
	require.NoError(t, p.AddExtension(e, 0, nil))

	const trials = 100
	for i := 0; i < trials; i++ {
		r := p.Authenticate(context.Background(), connectInput())
		require.False(t, r.Authenticated())
		if r.TimedOut {
			require.Equal(t, FailOutcome(packets.ErrNotAuthorized, Some(authTimedOutReason)), r.Outcome)
		} else {
			require.Equal(t, FailOutcome(packets.ErrBanned, Some("explicit")), r.Outcome)
		}
	}

	time.Sleep(10 * time.Millisecond)
	require.Len(t, e.getDecisions(), trials)
	require.Len(t, e.getEvents(), trials)
	require.Equal(t, int64(trials), e.calls.Load())
}

func TestAuthenticateFunc(t *testing.T) {
	p := newTestPipeline(t)
	e := newModifiedExtension("e", nil)
	e.auth = func(in *ConnectInput, out *AuthOutput) {
		tok, err := out.Async(AsyncOptions{Timeout: time.Second})
		if err != nil {
			return
		}
		go func() {
			_ = out.AuthenticateSuccessfully()
			_ = tok.Resume()
		}()
	}
	require.NoError(t, p.AddExtension(e, 0, nil))

	results := make(chan AuthResult, 2)
	p.AuthenticateFunc(context.Background(), connectInput(), func(r AuthResult) {
		results <- r
	})

	select {
	case r := <-results:
		require.True(t, r.Authenticated())
	case <-time.After(time.Second):
		t.Fatal("result callback not called")
	}

	time.Sleep(10 * time.Millisecond)
	require.Len(t, results, 0)
}
