package controllers

import (
	"encoding/json"
	"net/http"

	"spheresync/core"
	"spheresync/syncserver/services"
)

// StateController provides HTTP handlers for wallet-state operations.
type StateController struct {
	svc *services.StateService
}

func NewStateController(svc *services.StateService) *StateController {
	return &StateController{svc: svc}
}

func (sc *StateController) Save(w http.ResponseWriter, r *http.Request) {
	var doc core.TxfData
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	res := sc.svc.Save(doc)
	if !res.Success {
		http.Error(w, res.Error, 500)
		return
	}
	json.NewEncoder(w).Encode(res)
}

func (sc *StateController) Load(w http.ResponseWriter, r *http.Request) {
	cid := r.URL.Query().Get("cid")
	res := sc.svc.Load(r.Context(), cid)
	if !res.Success {
		http.Error(w, res.Error, 502)
		return
	}
	json.NewEncoder(w).Encode(res)
}

func (sc *StateController) Sync(w http.ResponseWriter, r *http.Request) {
	var doc core.TxfData
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	res := sc.svc.Sync(r.Context(), doc)
	if !res.Success {
		http.Error(w, res.Error, 502)
		return
	}
	json.NewEncoder(w).Encode(res)
}

func (sc *StateController) Exists(w http.ResponseWriter, r *http.Request) {
	ok, err := sc.svc.Exists(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 502)
		return
	}
	json.NewEncoder(w).Encode(map[string]bool{"exists": ok})
}

func (sc *StateController) Clear(w http.ResponseWriter, r *http.Request) {
	res := sc.svc.Clear(r.Context())
	if !res.Success {
		http.Error(w, res.Error, 502)
		return
	}
	json.NewEncoder(w).Encode(res)
}

func (sc *StateController) Status(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(sc.svc.Status(r.Context()))
}
