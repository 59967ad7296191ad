// Package server is the HTTP surface: the flat path-and-method dispatcher,
// the handler set, sessions, the share-link store, and the static cache.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package server

import (
	"net/http"
	"strings"

	"github.com/NVIDIA/meshrank/api"
	"github.com/NVIDIA/meshrank/cmn"
	"github.com/NVIDIA/meshrank/cmn/cos"
	"github.com/NVIDIA/meshrank/cmn/geo"
	"github.com/NVIDIA/meshrank/cmn/nlog"
	"github.com/NVIDIA/meshrank/meshdb"
)

// overlay mutation: read-modify-write devices.json / observers.json with the
// atomic-rename discipline, then invalidate the snapshot caches and kick a
// background rank rebuild (the previous payload keeps serving meanwhile).
func (s *Server) mutateOverlay(file, key string, set func(map[string]any)) error {
	path := cmn.Rom.DataFile(file)
	overlay := make(map[string]map[string]any)
	cos.LoadJSON(path, &overlay) // absent file: start empty
	rec := overlay[key]
	if rec == nil {
		rec = make(map[string]any)
		overlay[key] = rec
	}
	set(rec)
	if err := cos.SaveJSONAtomic(path, overlay); err != nil {
		return err
	}
	s.db.InvalidateDevices()
	go s.engines.RefreshRank(true)
	return nil
}

type pubBody struct {
	Pub    string   `json:"pub"`
	Hidden *bool    `json:"hidden"`
	Flag   *bool    `json:"flag"`
	Lat    *float64 `json:"lat"`
	Lon    *float64 `json:"lon"`
}

func readPubBody(w http.ResponseWriter, r *http.Request) (*pubBody, bool) {
	var body pubBody
	if !readBody(r, &body) || len(body.Pub) != 64 || !cos.IsHexString(body.Pub) {
		writeErr(w, http.StatusBadRequest, "64-hex pub required")
		return nil, false
	}
	body.Pub = strings.ToUpper(body.Pub)
	return &body, true
}

func (s *Server) handleRepeaterHide(w http.ResponseWriter, r *http.Request) {
	body, ok := readPubBody(w, r)
	if !ok {
		return
	}
	hidden := true
	if body.Hidden != nil {
		hidden = *body.Hidden
	}
	if _, err := s.db.Exec(`UPDATE devices SET hidden_on_map = ? WHERE pub = ?`, hidden, body.Pub); err != nil {
		nlog.Warningf("admin: hide %s: %v", body.Pub, err)
	}
	err := s.mutateOverlay("devices.json", body.Pub, func(rec map[string]any) {
		rec["hiddenOnMap"] = hidden
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "overlay write failed")
		return
	}
	writeOK(w, map[string]any{"ok": true, "pub": body.Pub, "hidden": hidden})
}

func (s *Server) handleRepeaterFlag(w http.ResponseWriter, r *http.Request) {
	body, ok := readPubBody(w, r)
	if !ok {
		return
	}
	flagged := true
	if body.Flag != nil {
		flagged = *body.Flag
	}
	err := s.mutateOverlay("devices.json", body.Pub, func(rec map[string]any) {
		rec["gpsImplausible"] = flagged
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "overlay write failed")
		return
	}
	writeOK(w, map[string]any{"ok": true, "pub": body.Pub, "gpsImplausible": flagged})
}

func (s *Server) handleRepeaterLocation(w http.ResponseWriter, r *http.Request) {
	body, ok := readPubBody(w, r)
	if !ok {
		return
	}
	if body.Lat == nil || body.Lon == nil || !geo.Valid(*body.Lat, *body.Lon) {
		writeErr(w, http.StatusBadRequest, "valid lat/lon required")
		return
	}
	err := s.mutateOverlay("devices.json", body.Pub, func(rec map[string]any) {
		rec["gps"] = api.Gps{Lat: *body.Lat, Lon: *body.Lon}
		rec["gpsEstimated"] = false
		rec["gpsImplausible"] = false
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "overlay write failed")
		return
	}
	writeOK(w, map[string]any{"ok": true, "pub": body.Pub})
}

func (s *Server) handleObserverLocation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID  string   `json:"id"`
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
	}
	if !readBody(r, &body) || body.ID == "" || body.Lat == nil || body.Lon == nil || !geo.Valid(*body.Lat, *body.Lon) {
		writeErr(w, http.StatusBadRequest, "observer id and valid lat/lon required")
		return
	}
	err := s.mutateOverlay("observers.json", body.ID, func(rec map[string]any) {
		rec["gps"] = api.Gps{Lat: *body.Lat, Lon: *body.Lon}
		rec["gpsEstimated"] = false
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "overlay write failed")
		return
	}
	s.geo.RebuildHomes()
	writeOK(w, map[string]any{"ok": true, "id": body.ID})
}

//
// channel catalogue admin
//

type channelBody struct {
	Name         string `json:"name"`
	Emoji        string `json:"emoji"`
	Group        string `json:"group"`
	Code         string `json:"code"`
	AllowPopular bool   `json:"allowPopular"`
}

func (cb *channelBody) validName(w http.ResponseWriter) bool {
	if strings.TrimSpace(cb.Name) == "" {
		writeErr(w, http.StatusBadRequest, "channel name required")
		return false
	}
	return true
}

// handleChannelAdd registers a channel secret.
func (s *Server) handleChannelAdd(w http.ResponseWriter, r *http.Request) {
	var body channelBody
	if !readBody(r, &body) || !body.validName(w) {
		return
	}
	if body.Code != "" && (len(body.Code) != 32 || !cos.IsHexString(body.Code)) {
		writeErr(w, http.StatusBadRequest, "code must be 32 hex characters")
		return
	}
	c := meshdb.CatalogChannel{
		Name:         body.Name,
		Emoji:        body.Emoji,
		Group:        body.Group,
		Code:         body.Code,
		AllowPopular: body.AllowPopular,
	}
	if err := s.db.UpsertCatalogChannel(&c); err != nil {
		writeErr(w, http.StatusInternalServerError, "catalog write failed")
		return
	}
	writeOK(w, map[string]any{"ok": true, "name": cos.NormChannel(body.Name)})
}

func (s *Server) handleChannelRemove(w http.ResponseWriter, r *http.Request) {
	name := cos.NormChannel(r.URL.Query().Get("name"))
	if name == "" || name == "#" {
		writeErr(w, http.StatusBadRequest, "channel name required")
		return
	}
	if _, err := s.db.Exec(`DELETE FROM channels_catalog WHERE name = ?`, name); err != nil {
		writeErr(w, http.StatusInternalServerError, "catalog write failed")
		return
	}
	writeOK(w, map[string]any{"ok": true, "name": name})
}

func (s *Server) handleChannelCreate(w http.ResponseWriter, r *http.Request) { s.handleChannelAdd(w, r) }
func (s *Server) handleChannelUpdate(w http.ResponseWriter, r *http.Request) { s.handleChannelAdd(w, r) }

func (s *Server) handleChannelMove(w http.ResponseWriter, r *http.Request) {
	var body channelBody
	if !readBody(r, &body) || !body.validName(w) {
		return
	}
	if err := s.db.MoveCatalogChannel(body.Name, body.Group); err != nil {
		writeErr(w, http.StatusInternalServerError, "catalog write failed")
		return
	}
	writeOK(w, map[string]any{"ok": true, "name": cos.NormChannel(body.Name), "group": body.Group})
}

func (s *Server) handleChannelBlock(w http.ResponseWriter, r *http.Request) {
	s.setChannelBlocked(w, r, true)
}

func (s *Server) handleChannelUnblock(w http.ResponseWriter, r *http.Request) {
	s.setChannelBlocked(w, r, false)
}

func (s *Server) setChannelBlocked(w http.ResponseWriter, r *http.Request, blocked bool) {
	var body channelBody
	if !readBody(r, &body) || !body.validName(w) {
		return
	}
	if err := s.db.SetChannelBlocked(body.Name, blocked); err != nil {
		writeErr(w, http.StatusInternalServerError, "catalog write failed")
		return
	}
	writeOK(w, map[string]any{"ok": true, "name": cos.NormChannel(body.Name), "blocked": blocked})
}
