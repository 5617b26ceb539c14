package dht

import (
	"fmt"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
	"github.com/yoep/popcorn-fx-torrent-engine/internal/bencode"
)

// KRPC message type discriminants (the "y" key).
const (
	typeQuery    = "q"
	typeResponse = "r"
	typeError    = "e"
)

// Query names (the "q" key).
const (
	queryPing         = "ping"
	queryFindNode     = "find_node"
	queryGetPeers     = "get_peers"
	queryAnnouncePeer = "announce_peer"
)

// Standard KRPC error codes (BEP 5 §"Errors").
const (
	errGeneric       = 201
	errServer        = 202
	errProtocol      = 203
	errMethodUnknown = 204
)

// krpcError mirrors the ["e"] field: a two-element list of an integer
// code and a human-readable message.
type krpcError struct {
	Code    int
	Message string
}

func (e *krpcError) Error() string { return fmt.Sprintf("krpc error %d: %s", e.Code, e.Message) }

// newQuery builds a "q"-type message with transaction id t, method q and
// argument dict args. args always carries our own node id under "id",
// per BEP 5.
func newQuery(t string, selfID NodeID, query string, args map[string]interface{}) map[string]interface{} {
	if args == nil {
		args = map[string]interface{}{}
	}
	args["id"] = string(selfID[:])
	return map[string]interface{}{
		"t": t,
		"y": typeQuery,
		"q": query,
		"a": args,
	}
}

func newPingQuery(t string, selfID NodeID) map[string]interface{} {
	return newQuery(t, selfID, queryPing, nil)
}

func newFindNodeQuery(t string, selfID NodeID, target NodeID) map[string]interface{} {
	return newQuery(t, selfID, queryFindNode, map[string]interface{}{
		"target": string(target[:]),
	})
}

func newGetPeersQuery(t string, selfID NodeID, infoHash core.InfoHashV1) map[string]interface{} {
	return newQuery(t, selfID, queryGetPeers, map[string]interface{}{
		"info_hash": string(infoHash[:]),
	})
}

func newAnnouncePeerQuery(t string, selfID NodeID, infoHash core.InfoHashV1, port int, token []byte, impliedPort bool) map[string]interface{} {
	implied := 0
	if impliedPort {
		implied = 1
	}
	return newQuery(t, selfID, queryAnnouncePeer, map[string]interface{}{
		"info_hash":    string(infoHash[:]),
		"port":         port,
		"token":        string(token),
		"implied_port": implied,
	})
}

func newResponse(t string, selfID NodeID, r map[string]interface{}) map[string]interface{} {
	if r == nil {
		r = map[string]interface{}{}
	}
	r["id"] = string(selfID[:])
	return map[string]interface{}{
		"t": t,
		"y": typeResponse,
		"r": r,
	}
}

func newErrorMessage(t string, code int, message string) map[string]interface{} {
	return map[string]interface{}{
		"t": t,
		"y": typeError,
		"e": []interface{}{code, message},
	}
}

// decodeMessage unmarshals a raw KRPC packet into its generic dict form.
func decodeMessage(b []byte) (map[string]interface{}, error) {
	var v map[string]interface{}
	if err := bencode.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("%w: %s", core.ErrParse, err)
	}
	return v, nil
}

func encodeMessage(v map[string]interface{}) ([]byte, error) {
	return bencode.Marshal(v)
}

func messageType(v map[string]interface{}) string {
	s, _ := v["y"].(string)
	return s
}

func transactionID(v map[string]interface{}) string {
	s, _ := v["t"].(string)
	return s
}

func nodeIDFromDict(v map[string]interface{}, key string) (NodeID, bool) {
	dict, _ := v[key].(map[string]interface{})
	if dict == nil {
		return NodeID{}, false
	}
	s, _ := dict["id"].(string)
	if len(s) != 20 {
		return NodeID{}, false
	}
	var id NodeID
	copy(id[:], s)
	return id, true
}

func errorFromMessage(v map[string]interface{}) *krpcError {
	list, _ := v["e"].([]interface{})
	if len(list) != 2 {
		return &krpcError{Code: errGeneric, Message: "malformed error"}
	}
	code, _ := toInt(list[0])
	msg, _ := list[1].(string)
	return &krpcError{Code: code, Message: msg}
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}
