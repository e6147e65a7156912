// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt
// SPDX-FileContributor: mochi-co

package extension

// Option is a presence-tagged value. The zero value holds nothing.
type Option[T any] struct {
	value T
	ok    bool
}

// Some returns an Option holding v.
func Some[T any](v T) Option[T] {
	return Option[T]{value: v, ok: true}
}

// None returns an empty Option.
func None[T any]() Option[T] {
	return Option[T]{}
}

// Get returns the held value and true, or the zero value and false.
func (o Option[T]) Get() (T, bool) {
	return o.value, o.ok
}

// IsSet returns true if the option holds a value.
func (o Option[T]) IsSet() bool {
	return o.ok
}

// OrElse returns the held value, or d if the option is empty.
func (o Option[T]) OrElse(d T) T {
	if o.ok {
		return o.value
	}
	return d
}
