// SPDX-FileCopyrightText: 2023 Richard Hansen <rhansen@rhansen.org> and contributors
// SPDX-License-Identifier: Apache-2.0

// Package sel is a receive-only select statement whose cases can be added and removed at run time.
package sel

import (
	"fmt"
	"reflect"
)

// CaseID identifies a case independently of its position in the underlying case slice.
type CaseID int

// Set holds the active receive cases. The zero value is an empty set ready for use.
type Set struct {
	cases []reflect.SelectCase
	// ids[i] is the ID of cases[i].
	ids []CaseID
	// pos[id] is the index of case id in cases, or -1 if the case is inactive.
	pos []int
}

// Recv makes case id receive from ch, replacing any channel previously registered for id. A nil
// channel (typed or untyped) removes the case.
func (s *Set) Recv(id CaseID, ch any) {
	if id < 0 {
		panic(fmt.Errorf("negative case ID %v", id))
	}
	chv := reflect.ValueOf(ch)
	if chv.IsValid() && chv.Kind() != reflect.Chan {
		panic(fmt.Errorf("not a channel: %T", ch))
	}
	if !chv.IsValid() || chv.IsNil() {
		s.Clear(id)
		return
	}
	for len(s.pos) <= int(id) {
		s.pos = append(s.pos, -1)
	}
	if i := s.pos[id]; i >= 0 {
		s.cases[i].Chan = chv
		return
	}
	s.cases = append(s.cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: chv})
	s.ids = append(s.ids, id)
	s.pos[id] = len(s.ids) - 1
}

// Clear removes case id. Clearing an inactive case is a no-op.
func (s *Set) Clear(id CaseID) {
	if int(id) >= len(s.pos) || s.pos[id] < 0 {
		return
	}
	i := s.pos[id]
	s.pos[id] = -1
	s.cases = append(s.cases[:i], s.cases[i+1:]...)
	s.ids = append(s.ids[:i], s.ids[i+1:]...)
	for j := i; j < len(s.ids); j++ {
		s.pos[s.ids[j]] = j
	}
}

// Active reports whether case id currently has a channel.
func (s *Set) Active(id CaseID) bool {
	return int(id) < len(s.pos) && s.pos[id] >= 0
}

// Len returns the number of active cases.
func (s *Set) Len() int {
	return len(s.cases)
}

// Wait blocks until one of the active cases can proceed and returns its ID, the received value
// (nil if the channel was closed), and whether the value came from a send rather than a close.
// Wait on an empty set blocks forever.
func (s *Set) Wait() (CaseID, any, bool) {
	if len(s.cases) == 0 {
		select {}
	}
	i, vv, ok := reflect.Select(s.cases)
	var v any
	if ok && vv.IsValid() {
		v = vv.Interface()
	}
	return s.ids[i], v, ok
}
