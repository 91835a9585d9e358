/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package models provides the shared data models for llmscout.
package models

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

var errInvalidStaticHost = fmt.Errorf("static host must be in ip:port form")

// Host represents an inference host known to the registry, either
// discovered on the network or predefined in configuration.
type Host struct {
	IP         string    `json:"ip"`
	Port       int       `json:"port"`
	Hostname   string    `json:"hostname,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
	IsOnline   bool      `json:"is_online"`
	Predefined bool      `json:"predefined,omitempty"`
}

// URL returns the base URL for the host's API.
func (h *Host) URL() string {
	return fmt.Sprintf("http://%s:%d", h.IP, h.Port)
}

// ParseStaticHost parses an "ip:port" entry into a predefined Host. The
// host starts offline; the first sweep or refresh flips it online.
func ParseStaticHost(entry string) (*Host, error) {
	ipStr, portStr, err := net.SplitHostPort(entry)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", errInvalidStaticHost, entry, err)
	}

	if net.ParseIP(ipStr) == nil {
		return nil, fmt.Errorf("%w: %q: invalid IP address", errInvalidStaticHost, entry)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > maxPort {
		return nil, fmt.Errorf("%w: %q: invalid port", errInvalidStaticHost, entry)
	}

	return &Host{
		IP:         ipStr,
		Port:       port,
		Predefined: true,
	}, nil
}

// HostEventType identifies a registry transition.
type HostEventType string

const (
	// HostDiscovered is emitted when a previously unknown host is inserted.
	HostDiscovered HostEventType = "host_discovered"
	// HostOnline is emitted when an existing offline host comes back.
	HostOnline HostEventType = "host_online"
	// HostOffline is emitted when reconciliation marks a host offline.
	HostOffline HostEventType = "host_offline"
)

// HostEvent describes a registry transition for downstream consumers.
type HostEvent struct {
	Type      HostEventType `json:"type"`
	Host      Host          `json:"host"`
	Timestamp time.Time     `json:"timestamp"`
}
