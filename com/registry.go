// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package com

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"go.chromium.org/kirk/errors"
)

// IDOption is the option overriding the name a channel is registered with.
const IDOption = "id"

// Plugin describes a channel implementation.
type Plugin struct {
	// Name is the protocol name used on the command line, e.g. "ssh".
	Name string
	// Help maps every accepted option to its description.
	Help map[string]string
	// New creates a channel registered as id.
	New func(id string, opts Options) (Channel, error)
}

// Registry holds channel plugins and the channels created from them.
//
// The registry is populated while a session is configured and then frozen;
// after Freeze it only serves lookups.
type Registry struct {
	mu       sync.Mutex
	plugins  map[string]*Plugin
	channels map[string]Channel
	order    []string
	frozen   bool
}

// NewRegistry returns a registry knowing plugins.
func NewRegistry(plugins ...*Plugin) (*Registry, error) {
	r := &Registry{
		plugins:  make(map[string]*Plugin),
		channels: make(map[string]Channel),
	}
	for _, p := range plugins {
		if err := r.RegisterPlugin(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// RegisterPlugin adds a channel implementation.
func (r *Registry) RegisterPlugin(p *Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return errors.Errorf("registry is frozen: cannot register plugin %q", p.Name)
	}
	if p.Name == "" || p.New == nil {
		return errors.New("plugin must have a name and a factory")
	}
	if _, ok := r.plugins[p.Name]; ok {
		return errors.Errorf("plugin %q is already registered", p.Name)
	}
	r.plugins[p.Name] = p
	return nil
}

// Plugin returns the plugin named name.
func (r *Registry) Plugin(name string) (*Plugin, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plugins[name]
	return p, ok
}

// Plugins returns all plugins sorted by name.
func (r *Registry) Plugins() []*Plugin {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := maps.Keys(r.plugins)
	slices.Sort(names)
	ps := make([]*Plugin, 0, len(names))
	for _, n := range names {
		ps = append(ps, r.plugins[n])
	}
	return ps
}

// Create instantiates the plugin named proto and registers the new channel.
// The channel name is opts["id"], or proto when no id is given.
func (r *Registry) Create(proto string, opts Options) (Channel, error) {
	p, ok := r.Plugin(proto)
	if !ok {
		return nil, errors.Errorf("can't find communication handler with name %q", proto)
	}
	id := opts.String(IDOption, proto)
	opts = opts.Without(IDOption)
	if err := opts.Check(p.Help); err != nil {
		return nil, errors.Wrapf(err, "bad options for %s", proto)
	}
	ch, err := p.New(id, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s channel %q", proto, id)
	}
	if err := r.Add(ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// Add registers an existing channel under its name.
func (r *Registry) Add(ch Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return errors.Errorf("registry is frozen: cannot add channel %q", ch.Name())
	}
	if _, ok := r.channels[ch.Name()]; ok {
		return errors.Errorf("channel %q is already registered", ch.Name())
	}
	r.channels[ch.Name()] = ch
	r.order = append(r.order, ch.Name())
	return nil
}

// Get returns the channel registered as name.
func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// Channels returns registered channels in registration order.
func (r *Registry) Channels() []Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	chs := make([]Channel, 0, len(r.order))
	for _, n := range r.order {
		chs = append(chs, r.channels[n])
	}
	return chs
}

// Freeze forbids further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// StopAll stops every registered channel and returns the combined errors.
func (r *Registry) StopAll(ctx context.Context) error {
	var merr *multierror.Error
	for _, ch := range r.Channels() {
		if err := ch.Stop(ctx); err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "failed to stop %s", ch.Name()))
		}
	}
	return merr.ErrorOrNil()
}
