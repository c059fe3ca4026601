package node

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// observeSelf pins the node's own address from the Host the first caller
// used to reach it, unless one is configured already.
func (n *Node) observeSelf(req *http.Request) {
	if n.engine.Self() != "" || req.Host == "" {
		return
	}
	if _, err := n.engine.PinSelf(SelfFromRequest(req)); err != nil {
		n.log.Warn("cannot derive own address", zap.String("host", req.Host), zap.Error(err))
	}
}

// SelfFromRequest is the address a caller used to reach this node.
func SelfFromRequest(req *http.Request) string {
	scheme := "http://"
	if req.TLS != nil {
		scheme = "https://"
	}
	return scheme + req.Host
}

// decodeBootstrap accepts either a bare JSON array of addresses or an object
// with a "nodes" array.
func decodeBootstrap(b []byte) ([]string, error) {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		return list, nil
	}
	var obj struct {
		Nodes []string `json:"nodes"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil, errors.New("bootstrap body must be a list of addresses or {\"nodes\": [...]}")
	}
	return obj.Nodes, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
