package http

import (
	"context"
	"net/http"

	"github.com/arkilian/eds/pkg/types"
)

// UploadCodeRequest deploys builtin code. Bytecode is base64 in JSON.
type UploadCodeRequest struct {
	Kind     string `json:"kind"`
	Bytecode []byte `json:"bytecode"`
	// Register also records the code in the node's code index.
	Register bool `json:"register"`
}

// UploadCodeResponse is returned by POST /v1/code.
type UploadCodeResponse struct {
	Address  types.Address `json:"address"`
	CodeHash types.Hash    `json:"code_hash"`
	Kind     string        `json:"kind"`
	Indexed  bool          `json:"indexed"`
}

func (a *API) uploadCode(w http.ResponseWriter, r *http.Request) {
	var req UploadCodeRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	from, err := sender(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	var resp UploadCodeResponse
	err = a.node.Ledger().Atomic(r.Context(), func(ctx context.Context) error {
		info, err := a.node.Upload(ctx, from, req.Kind, req.Bytecode)
		if err != nil {
			return err
		}
		resp = UploadCodeResponse{Address: info.Address, CodeHash: info.CodeHash, Kind: info.Kind}
		if !req.Register {
			return nil
		}
		idx, err := a.node.CodeIndex(types.Address{})
		if err != nil {
			return err
		}
		if _, err := idx.Register(ctx, info.Address); err != nil {
			return err
		}
		resp.Indexed = true
		return nil
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) getCode(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r, "address")
	if err != nil {
		fail(w, r, err)
		return
	}
	info, err := a.node.Ledger().CodeInfo(r.Context(), addr)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// RegisterCodeRequest indexes code already deployed at Container.
type RegisterCodeRequest struct {
	Container types.Address `json:"container"`
	// Index defaults to the node's code index.
	Index types.Address `json:"index"`
}

func (a *API) registerCode(w http.ResponseWriter, r *http.Request) {
	var req RegisterCodeRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	idx, err := a.node.CodeIndex(req.Index)
	if err != nil {
		fail(w, r, err)
		return
	}
	hash, err := idx.Register(r.Context(), req.Container)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"code_hash": hash, "container": req.Container})
}

func (a *API) lookupCode(w http.ResponseWriter, r *http.Request) {
	hash, err := hashParam(r, "hash")
	if err != nil {
		fail(w, r, err)
		return
	}
	idx, err := a.node.CodeIndex(types.Address{})
	if err != nil {
		fail(w, r, err)
		return
	}
	addr, err := idx.Get(r.Context(), hash)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"code_hash": hash, "address": addr})
}
