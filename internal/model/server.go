// Package model holds the data transfer objects exchanged with hosts and the control-plane API.
package model

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
)

// Country identifies the country a server is located in.
type Country struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// ServerGroup is a named server grouping, e.g. "residential".
type ServerGroup struct {
	Name string `json:"name"`
}

// ServerTag is a free-form server label, e.g. "ws".
type ServerTag struct {
	Name string `json:"name"`
}

// Server is a candidate proxy endpoint as returned by the control plane.
// Values are produced fresh on every fetch and never mutated afterwards.
type Server struct {
	ID        int32   `json:"id"`
	IP        string  `json:"ip"`
	Exit      string  `json:"exit"`
	Name      string  `json:"name"`
	Icon      *string `json:"icon"`
	Hostname  string  `json:"hostname"`
	Location  string  `json:"location"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Premium   bool    `json:"premium"`
	Country   Country `json:"country"`
	Sort      int32   `json:"sort"`
	Pin       bool    `json:"pin"`
	GroupID   *int32  `json:"group_id"`
	// Ping is the measured round trip in milliseconds. Nil unless a
	// measurement was requested and succeeded.
	Ping  *uint32       `json:"ping"`
	Group []ServerGroup `json:"group"`
	Tag   []ServerTag   `json:"tag"`
}

// requiredServerKeys lists the keys that must be present in a server object.
// icon, group_id and ping are optional.
var requiredServerKeys = []string{
	"id", "ip", "exit", "name", "hostname", "location", "latitude", "longitude",
	"premium", "country", "country.code", "country.name", "sort", "pin", "group", "tag",
}

// UnmarshalJSON decodes a server, rejecting objects that miss a required key.
// Unknown keys are ignored.
func (s *Server) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid server JSON")
	}
	parsed := gjson.ParseBytes(data)
	if !parsed.IsObject() {
		return fmt.Errorf("server must be a JSON object")
	}
	for _, key := range requiredServerKeys {
		if !parsed.Get(key).Exists() {
			return fmt.Errorf("server is missing required field %q", key)
		}
	}

	type plain Server
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = Server(v)
	return nil
}

// WithPing returns a copy of s carrying the given ping in milliseconds.
func (s Server) WithPing(ms uint32) Server {
	s.Ping = &ms
	return s
}

// HasTag reports whether the server carries the named tag.
func (s Server) HasTag(name string) bool {
	for _, t := range s.Tag {
		if t.Name == name {
			return true
		}
	}
	return false
}

// SortServers orders servers by Sort ascending, then by ID ascending.
func SortServers(servers []Server) {
	sort.SliceStable(servers, func(i, j int) bool {
		if servers[i].Sort != servers[j].Sort {
			return servers[i].Sort < servers[j].Sort
		}
		return servers[i].ID < servers[j].ID
	})
}

// DuplicateID returns the first id that occurs more than once, if any.
func DuplicateID(servers []Server) (int32, bool) {
	seen := make(map[int32]struct{}, len(servers))
	for _, s := range servers {
		if _, ok := seen[s.ID]; ok {
			return s.ID, true
		}
		seen[s.ID] = struct{}{}
	}
	return 0, false
}

// FindServer returns the server with the given id.
func FindServer(servers []Server, id int32) (Server, bool) {
	for _, s := range servers {
		if s.ID == id {
			return s, true
		}
	}
	return Server{}, false
}
