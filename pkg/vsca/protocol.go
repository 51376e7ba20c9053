// Package vsca defines the agent's lookup API messages.
package vsca

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"

	"github.com/sugawarayuuta/sonnet"

	"vsca/pkg/conntab"
)

const (
	ProtocolVersion uint8 = 1

	LookupPath  = "/lookup"
	ConnsPath   = "/conns"
	TokenHeader = "X-VSCA-Token"

	MaxBodyBytes     = 4096
	MaxListBodyBytes = 64 << 20
)

var (
	ErrBadVersion   = errors.New("unsupported protocol version")
	ErrBodyTooLarge = errors.New("body too large")
)

type LookupRequest struct {
	Version   uint8  `json:"version"`
	Protocol  string `json:"protocol"`
	Addr      string `json:"addr"`
	Direction string `json:"direction,omitempty"`
}

type ConnInfo struct {
	Family    string `json:"family"`
	Protocol  string `json:"protocol"`
	Server    string `json:"server"`
	Client    string `json:"client"`
	Dest      string `json:"dest"`
	State     uint16 `json:"state"`
	TimeoutMS int64  `json:"timeout_ms"`
	Refs      int32  `json:"refs"`
	Hashed    bool   `json:"hashed"`
}

type LookupResponse struct {
	Version uint8     `json:"version"`
	Found   bool      `json:"found"`
	Conn    *ConnInfo `json:"conn,omitempty"`
}

type ConnsResponse struct {
	Version uint8      `json:"version"`
	Count   int        `json:"count"`
	Conns   []ConnInfo `json:"conns"`
}

func NewLookupRequest(proto conntab.Protocol, addr netip.AddrPort, dir conntab.Direction) LookupRequest {
	return LookupRequest{
		Version:   ProtocolVersion,
		Protocol:  proto.String(),
		Addr:      addr.String(),
		Direction: dir.String(),
	}
}

func NewConnInfo(info conntab.ConnInfo) ConnInfo {
	return ConnInfo{
		Family:    info.Family.String(),
		Protocol:  info.Protocol.String(),
		Server:    info.Server.String(),
		Client:    info.Client.String(),
		Dest:      info.Dest.String(),
		State:     info.State,
		TimeoutMS: info.Timeout.Milliseconds(),
		Refs:      info.Refs,
		Hashed:    info.Hashed,
	}
}

// readBody reads all of r, failing once more than limit bytes arrive.
func readBody(r io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, ErrBodyTooLarge
	}
	return b, nil
}

func decode(r io.Reader, limit int64, out any) error {
	b, err := readBody(r, limit)
	if err != nil {
		return err
	}
	return sonnet.Unmarshal(b, out)
}

func DecodeLookupRequest(r io.Reader) (LookupRequest, error) {
	var req LookupRequest
	if err := decode(r, MaxBodyBytes, &req); err != nil {
		return LookupRequest{}, fmt.Errorf("decode lookup request: %w", err)
	}
	if req.Version != ProtocolVersion {
		return LookupRequest{}, fmt.Errorf("%w: %d", ErrBadVersion, req.Version)
	}
	return req, nil
}

// Key resolves the request into a table key and the index to search.
func (r LookupRequest) Key() (conntab.Key, conntab.Direction, error) {
	proto, err := conntab.ParseProtocol(r.Protocol)
	if err != nil {
		return conntab.Key{}, 0, err
	}
	dir, err := conntab.ParseDirection(r.Direction)
	if err != nil {
		return conntab.Key{}, 0, err
	}
	ap, err := netip.ParseAddrPort(r.Addr)
	if err != nil {
		return conntab.Key{}, 0, fmt.Errorf("parse addr: %w", err)
	}
	k, err := conntab.NewKey(proto, ap)
	if err != nil {
		return conntab.Key{}, 0, err
	}
	return k, dir, nil
}

func WriteJSON(w http.ResponseWriter, status int, v any) error {
	b, err := sonnet.Marshal(v)
	if err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(append(b, '\n'))
	return err
}

func ReadLookupResponse(r io.Reader) (LookupResponse, error) {
	var resp LookupResponse
	if err := decode(r, MaxBodyBytes, &resp); err != nil {
		return LookupResponse{}, fmt.Errorf("decode lookup response: %w", err)
	}
	if resp.Version != ProtocolVersion {
		return LookupResponse{}, fmt.Errorf("%w: %d", ErrBadVersion, resp.Version)
	}
	return resp, nil
}

func ReadConnsResponse(r io.Reader) (ConnsResponse, error) {
	var resp ConnsResponse
	if err := decode(r, MaxListBodyBytes, &resp); err != nil {
		return ConnsResponse{}, fmt.Errorf("decode conns response: %w", err)
	}
	if resp.Version != ProtocolVersion {
		return ConnsResponse{}, fmt.Errorf("%w: %d", ErrBadVersion, resp.Version)
	}
	return resp, nil
}
