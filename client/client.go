// Package client is a thin, synchronous wrapper around a fabric.Server
// that speaks the RPC surface provider.Provider implements (spec §6).
// It plays the role the original bake-client.c / bake_client_t handle
// plays for the CLI tools (cmd/bake-copy-to, cmd/bake-copy-from,
// cmd/bake-shutdown): build a request, Call it against a resolved peer,
// decode the response, translate a non-OK status into a *cmn.Error.
/*
 * Copyright (c) 2024, BAKE contributors. All rights reserved.
 */
package client

import (
	"context"

	jsoniter "github.com/json-iterator/go"

	"github.com/mochi-hpc/bake-go/cmn"
	"github.com/mochi-hpc/bake-go/fabric"
	"github.com/mochi-hpc/bake-go/ids"
	"github.com/mochi-hpc/bake-go/provider"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client issues RPCs against a single provider peer over fab.
type Client struct {
	fab  fabric.Server
	peer fabric.Address
}

// Connect resolves addr on fab and returns a Client bound to it. No RPC
// is made — spec §6 treats "connect" as pure local address resolution.
func Connect(ctx context.Context, fab fabric.Server, addr string) (*Client, error) {
	peer, err := fab.LookupAddress(ctx, addr)
	if err != nil {
		return nil, cmn.Wrap(cmn.CodeMercury, err, "resolve provider address")
	}
	return &Client{fab: fab, peer: peer}, nil
}

func (c *Client) call(ctx context.Context, rpc string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return cmn.Wrap(cmn.CodeInvalidArg, err, "encode "+rpc+" request")
	}
	out, err := c.fab.Call(ctx, c.peer, rpc, body)
	if err != nil {
		return cmn.Propagate(cmn.CodeMercury, err, rpc+" call")
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(out, resp); err != nil {
		return cmn.Wrap(cmn.CodeInvalidArg, err, "decode "+rpc+" response")
	}
	return nil
}

func (c *Client) Probe(ctx context.Context) ([]ids.TargetID, error) {
	var resp struct {
		Targets []string `json:"targets"`
	}
	if err := c.call(ctx, provider.RPCProbe, struct{}{}, &resp); err != nil {
		return nil, err
	}
	out := make([]ids.TargetID, 0, len(resp.Targets))
	for _, s := range resp.Targets {
		tid, err := ids.ParseTargetID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, tid)
	}
	return out, nil
}

func (c *Client) Create(ctx context.Context, target ids.TargetID, size uint64) (ids.RegionID, error) {
	req := struct {
		Target string `json:"target"`
		Size   uint64 `json:"size"`
	}{Target: target.String(), Size: size}
	var resp struct {
		Region string `json:"region"`
	}
	if err := c.call(ctx, provider.RPCCreate, req, &resp); err != nil {
		return ids.RegionID{}, err
	}
	return ids.ParseRegionID(resp.Region)
}

// EagerWrite writes data into rid at offset without going through a
// bulk transfer, used for payloads at or below the provider's
// configured eager limit.
func (c *Client) EagerWrite(ctx context.Context, target ids.TargetID, rid ids.RegionID, offset uint64, data []byte) error {
	req := struct {
		Target string `json:"target"`
		Region string `json:"region"`
		Offset uint64 `json:"offset"`
		Data   []byte `json:"data"`
	}{Target: target.String(), Region: rid.String(), Offset: offset, Data: data}
	return c.call(ctx, provider.RPCEagerWrite, req, nil)
}

// EagerRead reads size bytes from rid at offset via the eager path.
func (c *Client) EagerRead(ctx context.Context, target ids.TargetID, rid ids.RegionID, offset, size uint64) ([]byte, error) {
	req := struct {
		Target string `json:"target"`
		Region string `json:"region"`
		Offset uint64 `json:"offset"`
		Size   uint64 `json:"size"`
	}{Target: target.String(), Region: rid.String(), Offset: offset, Size: size}
	var resp struct {
		Data []byte `json:"data"`
	}
	if err := c.call(ctx, provider.RPCEagerRead, req, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) EagerCreateWritePersist(ctx context.Context, target ids.TargetID, data []byte) (ids.RegionID, error) {
	req := struct {
		Target string `json:"target"`
		Size   uint64 `json:"size"`
		Data   []byte `json:"data"`
	}{Target: target.String(), Size: uint64(len(data)), Data: data}
	var resp struct {
		Region string `json:"region"`
	}
	if err := c.call(ctx, provider.RPCEagerCreateWritePersist, req, &resp); err != nil {
		return ids.RegionID{}, err
	}
	return ids.ParseRegionID(resp.Region)
}

type wireBulk struct {
	HandleToken []byte `json:"handle_token"`
	Offset      int64  `json:"offset"`
	Length      int64  `json:"length"`
}

// ReadBulkProxy is ReadBulkInto's proxy-transfer counterpart (spec
// §4.6): the request names remoteAddr as the peer owning the bulk
// handle, and the provider resolves that address before the transfer,
// answering invalid-arg when no such peer exists. The handle still
// wraps this client's own buf, so the bytes land in buf; this method
// cannot hand the provider a handle registered by another process.
func (c *Client) ReadBulkProxy(ctx context.Context, target ids.TargetID, rid ids.RegionID, regionOffset uint64, buf []byte, remoteAddr string) (uint64, error) {
	handle := c.fab.NewLocalHandle(buf)
	token, err := c.fab.SerializeHandle(handle)
	if err != nil {
		return 0, cmn.Wrap(cmn.CodeMercury, err, "serialize local handle")
	}
	req := struct {
		Target        string   `json:"target"`
		Region        string   `json:"region"`
		RegionOffset  uint64   `json:"region_offset"`
		Size          uint64   `json:"size"`
		Bulk          wireBulk `json:"bulk"`
		RemoteAddrStr string   `json:"remote_addr,omitempty"`
	}{Target: target.String(), Region: rid.String(), RegionOffset: regionOffset, Size: uint64(len(buf)), Bulk: wireBulk{HandleToken: token, Offset: 0, Length: int64(len(buf))}, RemoteAddrStr: remoteAddr}
	var resp struct {
		BytesRead uint64 `json:"bytes_read"`
	}
	if err := c.call(ctx, provider.RPCRead, req, &resp); err != nil {
		return 0, err
	}
	return resp.BytesRead, nil
}

// CreateWritePersistBulk exposes data as a local bulk handle and asks
// the provider to pull it into a freshly created, persisted region —
// the path cmd/bake-copy-to drives regardless of file size, since
// create_write_persist composes create+write+persist server-side for
// backends that can't do it atomically.
func (c *Client) CreateWritePersistBulk(ctx context.Context, target ids.TargetID, data []byte) (ids.RegionID, error) {
	handle := c.fab.NewLocalHandle(data)
	token, err := c.fab.SerializeHandle(handle)
	if err != nil {
		return ids.RegionID{}, cmn.Wrap(cmn.CodeMercury, err, "serialize local handle")
	}
	req := struct {
		Target string   `json:"target"`
		Size   uint64   `json:"size"`
		Bulk   wireBulk `json:"bulk"`
	}{Target: target.String(), Size: uint64(len(data)), Bulk: wireBulk{HandleToken: token, Offset: 0, Length: int64(len(data))}}
	var resp struct {
		Region string `json:"region"`
	}
	if err := c.call(ctx, provider.RPCCreateWritePersist, req, &resp); err != nil {
		return ids.RegionID{}, err
	}
	return ids.ParseRegionID(resp.Region)
}

// ReadBulkInto pulls size bytes of rid at regionOffset directly into
// buf via a local bulk handle, the bake-copy-from counterpart to
// CreateWritePersistBulk.
func (c *Client) ReadBulkInto(ctx context.Context, target ids.TargetID, rid ids.RegionID, regionOffset uint64, buf []byte) (uint64, error) {
	handle := c.fab.NewLocalHandle(buf)
	token, err := c.fab.SerializeHandle(handle)
	if err != nil {
		return 0, cmn.Wrap(cmn.CodeMercury, err, "serialize local handle")
	}
	req := struct {
		Target       string   `json:"target"`
		Region       string   `json:"region"`
		RegionOffset uint64   `json:"region_offset"`
		Size         uint64   `json:"size"`
		Bulk         wireBulk `json:"bulk"`
	}{Target: target.String(), Region: rid.String(), RegionOffset: regionOffset, Size: uint64(len(buf)), Bulk: wireBulk{HandleToken: token, Offset: 0, Length: int64(len(buf))}}
	var resp struct {
		BytesRead uint64 `json:"bytes_read"`
	}
	if err := c.call(ctx, provider.RPCRead, req, &resp); err != nil {
		return 0, err
	}
	return resp.BytesRead, nil
}

func (c *Client) Persist(ctx context.Context, target ids.TargetID, rid ids.RegionID, offset, size uint64) error {
	req := struct {
		Target string `json:"target"`
		Region string `json:"region"`
		Offset uint64 `json:"offset"`
		Size   uint64 `json:"size"`
	}{Target: target.String(), Region: rid.String(), Offset: offset, Size: size}
	return c.call(ctx, provider.RPCPersist, req, nil)
}

func (c *Client) GetSize(ctx context.Context, target ids.TargetID, rid ids.RegionID) (uint64, error) {
	req := struct {
		Target string `json:"target"`
		Region string `json:"region"`
	}{Target: target.String(), Region: rid.String()}
	var resp struct {
		Size uint64 `json:"size"`
	}
	if err := c.call(ctx, provider.RPCGetSize, req, &resp); err != nil {
		return 0, err
	}
	return resp.Size, nil
}

func (c *Client) Remove(ctx context.Context, target ids.TargetID, rid ids.RegionID) error {
	req := struct {
		Target string `json:"target"`
		Region string `json:"region"`
	}{Target: target.String(), Region: rid.String()}
	return c.call(ctx, provider.RPCRemove, req, nil)
}

// MigrateRegion asks the connected provider to migrate rid to destAddr
// (resolved by the provider's own fabric, not this client's).
func (c *Client) MigrateRegion(ctx context.Context, target ids.TargetID, rid ids.RegionID, destAddr, destTarget string, size uint64, removeSource bool) (ids.RegionID, error) {
	req := struct {
		Target       string `json:"target"`
		Region       string `json:"region"`
		DestAddr     string `json:"dest_addr"`
		DestTarget   string `json:"dest_target"`
		Size         uint64 `json:"size"`
		RemoveSource bool   `json:"remove_source"`
	}{Target: target.String(), Region: rid.String(), DestAddr: destAddr, DestTarget: destTarget, Size: size, RemoveSource: removeSource}
	var resp struct {
		Region string `json:"region"`
	}
	if err := c.call(ctx, provider.RPCMigrateRegion, req, &resp); err != nil {
		return ids.RegionID{}, err
	}
	return ids.ParseRegionID(resp.Region)
}

// MigrateTarget asks the connected provider to hand off an entire
// target to destAddr, which must already have the target's backend
// files available at destRoot — an out-of-band copy step (rsync,
// shared storage) this RPC pair only coordinates, never performs
// itself. Returns the files the caller's copy step needed to place at
// destRoot, enumerated via the source backend's MigrationFiles.
func (c *Client) MigrateTarget(ctx context.Context, target ids.TargetID, destAddr, destRoot string) (ids.TargetID, string, []string, error) {
	req := struct {
		Target   string `json:"target"`
		DestAddr string `json:"dest_addr"`
		DestRoot string `json:"dest_root"`
	}{Target: target.String(), DestAddr: destAddr, DestRoot: destRoot}
	var resp struct {
		Target string   `json:"target"`
		Root   string   `json:"root"`
		Files  []string `json:"files"`
	}
	if err := c.call(ctx, provider.RPCMigrateTarget, req, &resp); err != nil {
		return ids.TargetID{}, "", nil, err
	}
	newTid, err := ids.ParseTargetID(resp.Target)
	if err != nil {
		return ids.TargetID{}, "", nil, err
	}
	return newTid, resp.Root, resp.Files, nil
}

// Shutdown asks the connected provider to begin an asynchronous
// shutdown; the call returns as soon as the provider acknowledges it,
// before the provider process actually exits (spec §6).
func (c *Client) Shutdown(ctx context.Context) error {
	return c.call(ctx, provider.RPCShutdown, struct{}{}, nil)
}
