// Package kv implements the key-value capability: per-component store
// opening gated by an allow-list, single-key/batch/atomic/CAS operations
// against a pluggable backend, and legacy-error translation for the
// older flat-integer ABI.
package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/latticerun/lattice/pkg/restable"
)

// Error is the structured key-value error set surfaced to guests.
type Error struct {
	code errorCode
	msg  string
}

type errorCode int

const (
	codeStoreTableFull errorCode = iota
	codeNoSuchStore
	codeAccessDenied
	codeNoSuchKey
	codeOther
)

func (e *Error) Error() string {
	if e.msg != "" {
		return e.msg
	}
	switch e.code {
	case codeStoreTableFull:
		return "store table full"
	case codeNoSuchStore:
		return "no such store"
	case codeAccessDenied:
		return "access denied"
	case codeNoSuchKey:
		return "no such key"
	default:
		return "other"
	}
}

var (
	// ErrStoreTableFull means the per-invocation store handle table is at capacity.
	ErrStoreTableFull = &Error{code: codeStoreTableFull}
	// ErrNoSuchStore means the store name is allowed but not configured.
	ErrNoSuchStore = &Error{code: codeNoSuchStore}
	// ErrAccessDenied means the store name is not in allowed_stores.
	ErrAccessDenied = &Error{code: codeAccessDenied}
	// ErrNoSuchKey means a Get found no value and no default.
	ErrNoSuchKey = &Error{code: codeNoSuchKey}
)

// ErrOther wraps a backend-specific error message.
func ErrOther(msg string) error { return &Error{code: codeOther, msg: msg} }

// LegacyError is the flat integer error code used by the older ABI.
type LegacyError int

const (
	LegacyStoreTableFull LegacyError = iota
	LegacyNoSuchStore
	LegacyAccessDenied
	LegacyIO
)

// ToLegacy maps a structured Error onto the v1 ABI's flat error set per
// the translation table: StoreTableFull/NoSuchStore/AccessDenied pass
// through unchanged, everything else becomes LegacyIO. The result is a
// bare code; the original error's message is not carried with it.
func ToLegacy(err error) LegacyError {
	var kvErr *Error
	if errors.As(err, &kvErr) {
		switch kvErr.code {
		case codeStoreTableFull:
			return LegacyStoreTableFull
		case codeNoSuchStore:
			return LegacyNoSuchStore
		case codeAccessDenied:
			return LegacyAccessDenied
		}
	}
	return LegacyIO
}

// Cas is an in-flight compare-and-swap operation over a single key.
type Cas interface {
	// Current returns the value observed when the token was created.
	Current(ctx context.Context) ([]byte, error)
	// Swap attempts a conditional update; on a compare failure it returns a
	// *SwapError with CasFailed set, so the dispatcher can mint a fresh
	// token over Key() on the current value.
	Swap(ctx context.Context, value []byte) error
	BucketHandle() uint32
	Key() string
}

// SwapError distinguishes a failed compare against a hard backend error.
type SwapError struct {
	CasFailed bool
	msg       string
}

func (e *SwapError) Error() string {
	if e.CasFailed {
		return "cas failed"
	}
	return e.msg
}

// Store is a single logical key-value namespace.
type Store interface {
	AfterOpen(ctx context.Context) error
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	GetKeys(ctx context.Context) ([]string, error)
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)
	SetMany(ctx context.Context, values map[string][]byte) error
	DeleteMany(ctx context.Context, keys []string) error
	Increment(ctx context.Context, key string, delta int64) (int64, error)
	NewCompareAndSwap(ctx context.Context, bucketHandle uint32, key string) (Cas, error)
}

// StoreManager maps logical store names (as declared in the component
// manifest) to concrete Store backends.
type StoreManager interface {
	Get(ctx context.Context, name string) (Store, error)
	IsDefined(name string) bool
	// Summary returns a human-readable backend description, for tracing.
	Summary(name string) string
}

// Dispatch is the per-invocation key-value capability surface bound into
// a guest instance: it enforces the allowed_stores allow-list and
// indirects all guest handles through resource tables.
type Dispatch struct {
	allowedStores map[string]struct{}
	manager       StoreManager
	stores        *restable.Table[Store]
	cas           *restable.Table[Cas]
}

// NewDispatch constructs a Dispatch with the default table capacity.
func NewDispatch(allowedStores []string, manager StoreManager) *Dispatch {
	return NewDispatchWithCapacity(allowedStores, manager, restable.DefaultCapacity)
}

// NewDispatchWithCapacity constructs a Dispatch with an explicit table capacity.
func NewDispatchWithCapacity(allowedStores []string, manager StoreManager, capacity uint32) *Dispatch {
	allowed := make(map[string]struct{}, len(allowedStores))
	for _, s := range allowedStores {
		allowed[s] = struct{}{}
	}
	return &Dispatch{
		allowedStores: allowed,
		manager:       manager,
		stores:        restable.New[Store](capacity),
		cas:           restable.New[Cas](capacity),
	}
}

// Open resolves a store name through the allow-list and opens it against
// the backend, returning a guest-visible handle.
func (d *Dispatch) Open(ctx context.Context, name string) (uint32, error) {
	if _, ok := d.allowedStores[name]; !ok {
		return 0, ErrAccessDenied
	}
	store, err := d.manager.Get(ctx, name)
	if err != nil {
		return 0, err
	}
	if err := store.AfterOpen(ctx); err != nil {
		return 0, err
	}
	handle, err := d.stores.Push(store)
	if err != nil {
		return 0, ErrStoreTableFull
	}
	return handle, nil
}

func (d *Dispatch) store(handle uint32) (Store, error) {
	s, err := d.stores.Get(handle)
	if err != nil {
		return nil, fmt.Errorf("invalid store handle: %w", err)
	}
	return s, nil
}

// Get fetches a single key.
func (d *Dispatch) Get(ctx context.Context, handle uint32, key string) ([]byte, error) {
	s, err := d.store(handle)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, key)
}

// Set stores a single key.
func (d *Dispatch) Set(ctx context.Context, handle uint32, key string, value []byte) error {
	s, err := d.store(handle)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, value)
}

// Delete removes a single key.
func (d *Dispatch) Delete(ctx context.Context, handle uint32, key string) error {
	s, err := d.store(handle)
	if err != nil {
		return err
	}
	return s.Delete(ctx, key)
}

// Exists reports whether a key is present.
func (d *Dispatch) Exists(ctx context.Context, handle uint32, key string) (bool, error) {
	s, err := d.store(handle)
	if err != nil {
		return false, err
	}
	return s.Exists(ctx, key)
}

// GetKeys lists every key in the store.
func (d *Dispatch) GetKeys(ctx context.Context, handle uint32) ([]string, error) {
	s, err := d.store(handle)
	if err != nil {
		return nil, err
	}
	return s.GetKeys(ctx)
}

// GetMany fetches several keys at once; an empty input short-circuits to
// an empty result without touching the backend.
func (d *Dispatch) GetMany(ctx context.Context, handle uint32, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	s, err := d.store(handle)
	if err != nil {
		return nil, err
	}
	return s.GetMany(ctx, keys)
}

// SetMany stores several keys at once; an empty input is a no-op.
func (d *Dispatch) SetMany(ctx context.Context, handle uint32, values map[string][]byte) error {
	if len(values) == 0 {
		return nil
	}
	s, err := d.store(handle)
	if err != nil {
		return err
	}
	return s.SetMany(ctx, values)
}

// DeleteMany removes several keys at once; an empty input is a no-op.
func (d *Dispatch) DeleteMany(ctx context.Context, handle uint32, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	s, err := d.store(handle)
	if err != nil {
		return err
	}
	return s.DeleteMany(ctx, keys)
}

// Increment applies a signed delta to a key, treating an absent key as
// zero, and returns the new value.
func (d *Dispatch) Increment(ctx context.Context, handle uint32, key string, delta int64) (int64, error) {
	s, err := d.store(handle)
	if err != nil {
		return 0, err
	}
	return s.Increment(ctx, key, delta)
}

// NewCas opens a compare-and-swap token snapshotting the key's current value.
func (d *Dispatch) NewCas(ctx context.Context, bucketHandle uint32, key string) (uint32, error) {
	s, err := d.store(bucketHandle)
	if err != nil {
		return 0, err
	}
	cas, err := s.NewCompareAndSwap(ctx, bucketHandle, key)
	if err != nil {
		return 0, err
	}
	handle, err := d.cas.Push(cas)
	if err != nil {
		return 0, ErrOther("too many compare_and_swaps opened")
	}
	return handle, nil
}

// Current returns the value the CAS token observed at creation.
func (d *Dispatch) Current(ctx context.Context, casHandle uint32) ([]byte, error) {
	cas, err := d.cas.Get(casHandle)
	if err != nil {
		return nil, fmt.Errorf("invalid compare and swap handle: %w", err)
	}
	return cas.Current(ctx)
}

// Swap attempts the conditional update. On CasFailed it mints a fresh
// token over the latest value and returns its handle in the error so the
// guest can retry.
func (d *Dispatch) Swap(ctx context.Context, casHandle uint32, value []byte) (newTokenHandle uint32, err error) {
	cas, err := d.cas.Get(casHandle)
	if err != nil {
		return 0, fmt.Errorf("invalid compare and swap handle: %w", err)
	}
	swapErr := cas.Swap(ctx, value)
	if swapErr == nil {
		return 0, nil
	}
	var se *SwapError
	if errors.As(swapErr, &se) && se.CasFailed {
		fresh, ferr := d.NewCas(ctx, cas.BucketHandle(), cas.Key())
		if ferr != nil {
			return 0, ferr
		}
		return fresh, &SwapError{CasFailed: true}
	}
	return 0, swapErr
}

// DropStore releases a store handle, exercising at-most-once semantics.
func (d *Dispatch) DropStore(handle uint32) {
	_, _ = d.stores.Remove(handle)
}

// DropCas releases a CAS handle.
func (d *Dispatch) DropCas(handle uint32) {
	_, _ = d.cas.Remove(handle)
}

// AllowedStores reports the component's configured store allow-list.
func (d *Dispatch) AllowedStores() []string {
	out := make([]string, 0, len(d.allowedStores))
	for s := range d.allowedStores {
		out = append(out, s)
	}
	return out
}
