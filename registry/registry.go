//
// Copyright 2024 The Nanokernel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package registry implements the `@VT` hierarchical key-value store
// (spec §4.9), structured like state/containerDB.go: a
// sync.RWMutex-guarded map keyed by path, with the same create/lookup/
// delete lifecycle and the same grpc codes/status use for structured
// not-found/already-exists failures.
package registry

import (
	"sort"
	"strings"
	"sync"

	grpcCodes "google.golang.org/grpc/codes"
	grpcStatus "google.golang.org/grpc/status"

	"github.com/nanokernel/kernel/domain"
	"github.com/nanokernel/kernel/kerr"
)

// key normalizes a registry path ("@VT\A\B" -> "@VT/A/B") so we can reuse
// Go path semantics internally while keeping the backslash-separated
// surface spec §4.9 describes.
func key(path string) string {
	return strings.ReplaceAll(path, `\`, "/")
}

func parent(k string) string {
	i := strings.LastIndex(k, "/")
	if i < 0 {
		return ""
	}
	return k[:i]
}

type node struct {
	children map[string]bool
	values   map[string]domain.Value
}

func newNode() *node {
	return &node{children: make(map[string]bool), values: make(map[string]domain.Value)}
}

// Service is the @VT registry.
type Service struct {
	sync.RWMutex
	nodes  map[string]*node
	devIDs map[string]uint32
}

// hives are the root subsystem keys the spec §6 names; they can't be
// deleted (spec §4.9 "delete (denies root hives)").
var hives = []string{"@VT/DEV", "@VT/DRV", "@VT/SYS"}

// NewService constructs the registry with its root and subsystem hives
// pre-created.
func NewService() *Service {
	s := &Service{
		nodes:  map[string]*node{"@VT": newNode()},
		devIDs: make(map[string]uint32),
	}
	s.nodes["@VT"].children["@VT"] = true
	for _, h := range hives {
		s.nodes[h] = newNode()
		s.nodes["@VT"].children[h] = true
	}
	return s
}

// CreateKey is idempotent: creating an already-present key succeeds.
func (s *Service) CreateKey(path string, callerRing domain.Ring) error {
	if !callerRing.AtLeast(domain.Ring2) {
		return kerr.New(kerr.AccessDenied, "ring %s may not mutate registry", callerRing)
	}

	k := key(path)
	s.Lock()
	defer s.Unlock()

	if _, ok := s.nodes[k]; ok {
		return nil
	}

	p := parent(k)
	if p != "" {
		if _, ok := s.nodes[p]; !ok {
			return translate(grpcStatus.Errorf(grpcCodes.NotFound, "parent key %s does not exist", p))
		}
		s.nodes[p].children[k] = true
	}
	s.nodes[k] = newNode()
	return nil
}

func isHive(k string) bool {
	for _, h := range hives {
		if k == h || k == "@VT" {
			return true
		}
	}
	return false
}

// DeleteKey removes a key and its subtree; root hives cannot be deleted.
func (s *Service) DeleteKey(path string, callerRing domain.Ring) error {
	if !callerRing.AtLeast(domain.Ring2) {
		return kerr.New(kerr.AccessDenied, "ring %s may not mutate registry", callerRing)
	}

	k := key(path)
	if isHive(k) {
		return kerr.New(kerr.AccessDenied, "cannot delete root hive %s", path)
	}

	s.Lock()
	defer s.Unlock()

	n, ok := s.nodes[k]
	if !ok {
		return translate(grpcStatus.Errorf(grpcCodes.NotFound, "key %s not found", path))
	}

	for child := range n.children {
		delete(s.nodes, child)
	}
	delete(s.nodes, k)

	p := parent(k)
	if pn, ok := s.nodes[p]; ok {
		delete(pn.children, k)
	}
	return nil
}

// EnumKeys lists the immediate children of path, ordered.
func (s *Service) EnumKeys(path string) ([]string, error) {
	k := key(path)
	s.RLock()
	defer s.RUnlock()

	n, ok := s.nodes[k]
	if !ok {
		return nil, translate(grpcStatus.Errorf(grpcCodes.NotFound, "key %s not found", path))
	}

	out := make([]string, 0, len(n.children))
	for c := range n.children {
		out = append(out, strings.ReplaceAll(c, "/", `\`))
	}
	sort.Strings(out)
	return out, nil
}

// EnumValues lists value names under path, ordered.
func (s *Service) EnumValues(path string) ([]string, error) {
	k := key(path)
	s.RLock()
	defer s.RUnlock()

	n, ok := s.nodes[k]
	if !ok {
		return nil, translate(grpcStatus.Errorf(grpcCodes.NotFound, "key %s not found", path))
	}

	out := make([]string, 0, len(n.values))
	for name := range n.values {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// SetValue writes a typed value under path. Writes are gated by ring <= 2.
func (s *Service) SetValue(path, name string, v domain.Value, callerRing domain.Ring) error {
	if !callerRing.AtLeast(domain.Ring2) {
		return kerr.New(kerr.AccessDenied, "ring %s may not write registry values", callerRing)
	}

	k := key(path)
	s.Lock()
	defer s.Unlock()

	n, ok := s.nodes[k]
	if !ok {
		return translate(grpcStatus.Errorf(grpcCodes.NotFound, "key %s not found", path))
	}
	n.values[name] = v
	return nil
}

// GetValue reads are always open (no ring gating).
func (s *Service) GetValue(path, name string) (domain.Value, error) {
	k := key(path)
	s.RLock()
	defer s.RUnlock()

	n, ok := s.nodes[k]
	if !ok {
		return domain.Value{}, translate(grpcStatus.Errorf(grpcCodes.NotFound, "key %s not found", path))
	}
	v, ok := n.values[name]
	if !ok {
		return domain.Value{}, translate(grpcStatus.Errorf(grpcCodes.NotFound, "value %s not found under %s", name, path))
	}
	return v, nil
}

// DeleteValue removes a value; gated by ring <= 2.
func (s *Service) DeleteValue(path, name string, callerRing domain.Ring) error {
	if !callerRing.AtLeast(domain.Ring2) {
		return kerr.New(kerr.AccessDenied, "ring %s may not delete registry values", callerRing)
	}

	k := key(path)
	s.Lock()
	defer s.Unlock()

	n, ok := s.nodes[k]
	if !ok {
		return translate(grpcStatus.Errorf(grpcCodes.NotFound, "key %s not found", path))
	}
	delete(n.values, name)
	return nil
}

// DumpTree renders path and its descendants as a nested map, for
// `reg_dump_tree`.
func (s *Service) DumpTree(path string) (map[string]interface{}, error) {
	k := key(path)
	s.RLock()
	defer s.RUnlock()

	n, ok := s.nodes[k]
	if !ok {
		return nil, translate(grpcStatus.Errorf(grpcCodes.NotFound, "key %s not found", path))
	}
	return s.dump(k, n), nil
}

func (s *Service) dump(k string, n *node) map[string]interface{} {
	out := map[string]interface{}{}
	if len(n.values) > 0 {
		vals := map[string]interface{}{}
		for name, v := range n.values {
			vals[name] = v
		}
		out["values"] = vals
	}
	children := map[string]interface{}{}
	for c := range n.children {
		if cn, ok := s.nodes[c]; ok {
			base := c[strings.LastIndex(c, "/")+1:]
			children[base] = s.dump(c, cn)
		}
	}
	if len(children) > 0 {
		out["children"] = children
	}
	return out
}

// AllocDeviceID hands out the next unused integer within a class, for
// driver enumeration (spec §4.9).
func (s *Service) AllocDeviceID(class string) uint32 {
	s.Lock()
	defer s.Unlock()
	id := s.devIDs[class]
	s.devIDs[class] = id + 1
	return id
}

// translate maps a grpc status error to the kernel's own error taxonomy, the
// package boundary mentioned in DESIGN.md: grpc codes are used internally
// for structured failures but never leak past this package.
func translate(err error) error {
	st, ok := grpcStatus.FromError(err)
	if !ok {
		return kerr.Wrap(kerr.Unsuccessful, err)
	}
	switch st.Code() {
	case grpcCodes.NotFound:
		return kerr.New(kerr.NoSuchFile, "%s", st.Message())
	case grpcCodes.AlreadyExists:
		return kerr.New(kerr.DeviceAlreadyExists, "%s", st.Message())
	default:
		return kerr.New(kerr.Unsuccessful, "%s", st.Message())
	}
}

var _ domain.RegistryIface = (*Service)(nil)
