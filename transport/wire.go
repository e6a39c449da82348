package transport

import (
	"encoding/json"
	"fmt"

	"telemetry-aggregator/core"
)

// wireEnvelope is the JSON shape every inbound shard or feed message arrives
// as, one envelope per WebSocket message (a message holding several
// newline-separated envelopes is rejected as malformed): a `type` tag plus a
// type-specific payload. This
// is this module's own encoding choice for a tagged-union stream; the core
// never sees or branches on it.
type wireEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func decodeShardMessage(raw []byte) (core.ShardMessage, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("transport: decode shard envelope: %w", err)
	}

	switch env.Type {
	case "initialize":
		var p struct {
			ChainName     string `json:"chain_name"`
			GenesisHash   string `json:"genesis_hash"`
			NodeNetworkId string `json:"node_network_id"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		hash, err := core.BlockHashFromHex(p.GenesisHash)
		if err != nil {
			return nil, err
		}
		return core.ShardInitialize{ChainName: p.ChainName, GenesisHash: hash, NodeNetworkId: p.NodeNetworkId}, nil

	case "add":
		var p struct {
			Local   uint64          `json:"local"`
			Details core.NodeDetails `json:"details"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return core.ShardAdd{Local: core.ShardNodeId(p.Local), Details: p.Details}, nil

	case "update":
		var p struct {
			Local   uint64          `json:"local"`
			Kind    string          `json:"kind"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		payload, err := decodePayload(p.Kind, p.Payload)
		if err != nil {
			return nil, err
		}
		return core.ShardUpdate{Local: core.ShardNodeId(p.Local), Payload: payload}, nil

	case "remove":
		var p struct {
			Local uint64 `json:"local"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return core.ShardRemove{Local: core.ShardNodeId(p.Local)}, nil

	case "disconnected":
		return core.ShardDisconnected{}, nil

	default:
		return nil, fmt.Errorf("transport: unknown shard message type %q", env.Type)
	}
}

func decodePayload(kind string, raw json.RawMessage) (core.Payload, error) {
	switch kind {
	case "systemConnected":
		var p core.SystemConnected
		err := json.Unmarshal(raw, &p)
		return p, err
	case "systemInterval":
		var p core.SystemInterval
		err := json.Unmarshal(raw, &p)
		return p, err
	case "blockImport":
		var p core.BlockImport
		err := json.Unmarshal(raw, &p)
		return p, err
	case "notifyFinalized":
		var p core.NotifyFinalized
		err := json.Unmarshal(raw, &p)
		return p, err
	case "afgAuthoritySet":
		var p core.AfgAuthoritySet
		err := json.Unmarshal(raw, &p)
		return p, err
	default:
		return nil, fmt.Errorf("transport: unknown payload kind %q", kind)
	}
}

func decodeFeedMessage(raw []byte) (core.FeedMessage, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("transport: decode feed envelope: %w", err)
	}

	switch env.Type {
	case "subscribe":
		var p struct {
			GenesisHash string `json:"genesis_hash"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		hash, err := core.BlockHashFromHex(p.GenesisHash)
		if err != nil {
			return nil, err
		}
		return core.FeedSubscribe{GenesisHash: hash}, nil

	case "unsubscribe":
		var p struct {
			GenesisHash string `json:"genesis_hash"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		hash, err := core.BlockHashFromHex(p.GenesisHash)
		if err != nil {
			return nil, err
		}
		return core.FeedUnsubscribe{GenesisHash: hash}, nil

	case "sendFinality":
		return core.FeedSendFinality{}, nil

	case "noMoreFinality":
		return core.FeedNoMoreFinality{}, nil

	case "ping":
		var p struct {
			Payload string `json:"payload"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return core.FeedPing{Payload: p.Payload}, nil

	case "disconnected":
		return core.FeedDisconnected{}, nil

	default:
		return nil, fmt.Errorf("transport: unknown feed message type %q", env.Type)
	}
}
