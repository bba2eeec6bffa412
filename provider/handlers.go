package provider

import (
	"context"

	"github.com/mochi-hpc/bake-go/backend"
	"github.com/mochi-hpc/bake-go/cmn"
	"github.com/mochi-hpc/bake-go/cmn/nlog"
	"github.com/mochi-hpc/bake-go/fabric"
	"github.com/mochi-hpc/bake-go/ids"
)

func (p *Provider) registerHandlers() {
	p.server.RegisterHandler(RPCNoop, p.handleNoop)
	p.server.RegisterHandler(RPCProbe, p.handleProbe)
	p.server.RegisterHandler(RPCCreate, p.handleCreate)
	p.server.RegisterHandler(RPCEagerWrite, p.handleEagerWrite)
	p.server.RegisterHandler(RPCWrite, p.handleWrite)
	p.server.RegisterHandler(RPCPersist, p.handlePersist)
	p.server.RegisterHandler(RPCCreateWritePersist, p.handleCreateWritePersist)
	p.server.RegisterHandler(RPCEagerCreateWritePersist, p.handleEagerCreateWritePersist)
	p.server.RegisterHandler(RPCEagerRead, p.handleEagerRead)
	p.server.RegisterHandler(RPCRead, p.handleRead)
	p.server.RegisterHandler(RPCGetSize, p.handleGetSize)
	p.server.RegisterHandler(RPCGetData, p.handleGetData)
	p.server.RegisterHandler(RPCRemove, p.handleRemove)
	p.server.RegisterHandler(RPCMigrateRegion, p.handleMigrateRegion)
	p.server.RegisterHandler(RPCMigrateTarget, p.handleMigrateTarget)
	p.server.RegisterHandler(RPCMigrateTargetApply, p.handleMigrateTargetApply)
	p.server.RegisterHandler(RPCShutdown, p.handleShutdown)
}

// handleNoop answers without ever touching the registry lock, so a
// liveness probe never blocks behind a slow migrate_target holding the
// writer lock. handleProbe, below, does take the reader lock while it
// copies the target list.
func (p *Provider) handleNoop(context.Context, fabric.Address, []byte) ([]byte, error) {
	return json.Marshal(struct{}{})
}

func (p *Provider) handleProbe(context.Context, fabric.Address, []byte) ([]byte, error) {
	p.mu.RLock()
	targets := make([]string, 0, len(p.targets))
	for tid := range p.targets {
		targets = append(targets, tid.String())
	}
	p.mu.RUnlock()
	return json.Marshal(probeResp{Targets: targets})
}

func (p *Provider) handleCreate(ctx context.Context, _ fabric.Address, input []byte) ([]byte, error) {
	var req createReq
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, cmn.Wrap(cmn.CodeInvalidArg, err, "decode create")
	}
	tid, err := parseTarget(req.Target)
	if err != nil {
		return nil, cmn.Wrap(cmn.CodeInvalidArg, err, "parse target")
	}
	entry, err := p.lookup(tid)
	if err != nil {
		return nil, err
	}
	rid, err := entry.backend.Create(ctx, req.Size)
	if err != nil {
		return nil, err
	}
	return json.Marshal(createResp{Region: rid.String()})
}

// eagerBoundCheck enforces the eager/bulk cutover server-side too (spec
// §7 / SPEC_FULL §4): a client that lies about using the eager path for
// an oversized payload is rejected rather than silently served.
func (p *Provider) eagerBoundCheck(n int) error {
	if n > p.cfg.EagerLimit {
		return cmn.NewError(cmn.CodeInvalidArg, "eager payload exceeds configured eager_limit")
	}
	return nil
}

func (p *Provider) handleEagerWrite(ctx context.Context, _ fabric.Address, input []byte) ([]byte, error) {
	var req eagerWriteReq
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, cmn.Wrap(cmn.CodeInvalidArg, err, "decode eager_write")
	}
	if err := p.eagerBoundCheck(len(req.Data)); err != nil {
		return nil, err
	}
	entry, rid, err := p.resolveRegion(req.Target, req.Region)
	if err != nil {
		return nil, err
	}
	if err := entry.backend.WriteRaw(ctx, rid, req.Offset, req.Data); err != nil {
		return nil, err
	}
	return json.Marshal(struct{}{})
}

func (p *Provider) resolveRegion(targetStr, regionStr string) (*targetEntry, ids.RegionID, error) {
	tid, err := parseTarget(targetStr)
	if err != nil {
		return nil, ids.RegionID{}, cmn.Wrap(cmn.CodeInvalidArg, err, "parse target")
	}
	rid, err := parseRegion(regionStr)
	if err != nil {
		return nil, ids.RegionID{}, cmn.Wrap(cmn.CodeInvalidArg, err, "parse region")
	}
	entry, err := p.lookup(tid)
	if err != nil {
		return nil, ids.RegionID{}, err
	}
	return entry, rid, nil
}

// resolveRemote deserializes a wire bulk descriptor into a transferable
// fabric.Extent. When remoteAddrStr is non-empty (spec §4.6's "proxy
// transfers"), the bulk handle is understood to belong to that address
// rather than to the RPC's own sender, and the handler must resolve it
// before treating the handle as valid — "the handler looks up that
// address and uses it as the RDMA peer instead of the RPC sender."
// BAKE's bulk handles are self-addressing once deserialized (the
// loopback fabric resolves a handle token against a network-wide table
// regardless of who dials in), so the remaining, and only, obligation
// here is confirming the named peer actually exists; a real Mercury-
// backed fabric would additionally rebind the transfer's RDMA origin to
// this address instead of the sender's.
func (p *Provider) resolveRemote(ctx context.Context, b bulkDescriptor, remoteAddrStr string) (fabric.Extent, error) {
	h, err := p.server.DeserializeHandle(b.HandleToken)
	if err != nil {
		return fabric.Extent{}, cmn.Wrap(cmn.CodeMercury, err, "deserialize bulk handle")
	}
	if remoteAddrStr != "" {
		if _, err := p.server.LookupAddress(ctx, remoteAddrStr); err != nil {
			return fabric.Extent{}, cmn.Wrap(cmn.CodeInvalidArg, err, "resolve proxy remote_addr")
		}
	}
	return fabric.Extent{Handle: h, Offset: b.Offset, Length: b.Length}, nil
}

func (p *Provider) handleWrite(ctx context.Context, _ fabric.Address, input []byte) ([]byte, error) {
	var req writeReq
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, cmn.Wrap(cmn.CodeInvalidArg, err, "decode write")
	}
	entry, rid, err := p.resolveRegion(req.Target, req.Region)
	if err != nil {
		return nil, err
	}
	remote, err := p.resolveRemote(ctx, req.Bulk, req.RemoteAddrStr)
	if err != nil {
		return nil, err
	}
	if err := entry.backend.WriteBulk(ctx, rid, req.RegionOffset, req.Size, p.server, remote); err != nil {
		return nil, err
	}
	return json.Marshal(struct{}{})
}

func (p *Provider) handlePersist(ctx context.Context, _ fabric.Address, input []byte) ([]byte, error) {
	var req persistReq
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, cmn.Wrap(cmn.CodeInvalidArg, err, "decode persist")
	}
	entry, rid, err := p.resolveRegion(req.Target, req.Region)
	if err != nil {
		return nil, err
	}
	if err := entry.backend.Persist(ctx, rid, req.Offset, req.Size); err != nil {
		return nil, err
	}
	return json.Marshal(struct{}{})
}

// composeCreateWritePersistBulk tries the backend's atomic fast path
// first; a backend that returns cmn.ErrOpUnsupported (the file backend,
// always) falls back to the provider composing create+write+persist
// itself, exactly as backend.Backend's doc comment promises.
func composeCreateWritePersistBulk(ctx context.Context, be backend.Backend, size uint64, fab fabric.Fabric, remote fabric.Extent) (ids.RegionID, error) {
	rid, err := be.CreateWritePersistBulk(ctx, size, fab, remote)
	if cmn.CodeOf(err) != cmn.CodeOpUnsupported {
		return rid, err
	}
	rid, err = be.Create(ctx, size)
	if err != nil {
		return ids.RegionID{}, err
	}
	if err := be.WriteBulk(ctx, rid, 0, size, fab, remote); err != nil {
		return ids.RegionID{}, err
	}
	if err := be.Persist(ctx, rid, 0, size); err != nil {
		return ids.RegionID{}, err
	}
	return rid, nil
}

func composeCreateWritePersistRaw(ctx context.Context, be backend.Backend, size uint64, data []byte) (ids.RegionID, error) {
	rid, err := be.CreateWritePersistRaw(ctx, size, data)
	if cmn.CodeOf(err) != cmn.CodeOpUnsupported {
		return rid, err
	}
	rid, err = be.Create(ctx, size)
	if err != nil {
		return ids.RegionID{}, err
	}
	if err := be.WriteRaw(ctx, rid, 0, data); err != nil {
		return ids.RegionID{}, err
	}
	if err := be.Persist(ctx, rid, 0, size); err != nil {
		return ids.RegionID{}, err
	}
	return rid, nil
}

func (p *Provider) handleCreateWritePersist(ctx context.Context, _ fabric.Address, input []byte) ([]byte, error) {
	var req createWritePersistReq
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, cmn.Wrap(cmn.CodeInvalidArg, err, "decode create_write_persist")
	}
	tid, err := parseTarget(req.Target)
	if err != nil {
		return nil, cmn.Wrap(cmn.CodeInvalidArg, err, "parse target")
	}
	entry, err := p.lookup(tid)
	if err != nil {
		return nil, err
	}
	remote, err := p.resolveRemote(ctx, req.Bulk, req.RemoteAddrStr)
	if err != nil {
		return nil, err
	}
	rid, err := composeCreateWritePersistBulk(ctx, entry.backend, req.Size, p.server, remote)
	if err != nil {
		return nil, err
	}
	return json.Marshal(createWritePersistResp{Region: rid.String()})
}

func (p *Provider) handleEagerCreateWritePersist(ctx context.Context, _ fabric.Address, input []byte) ([]byte, error) {
	var req eagerCreateWritePersistReq
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, cmn.Wrap(cmn.CodeInvalidArg, err, "decode eager_create_write_persist")
	}
	if err := p.eagerBoundCheck(len(req.Data)); err != nil {
		return nil, err
	}
	tid, err := parseTarget(req.Target)
	if err != nil {
		return nil, cmn.Wrap(cmn.CodeInvalidArg, err, "parse target")
	}
	entry, err := p.lookup(tid)
	if err != nil {
		return nil, err
	}
	rid, err := composeCreateWritePersistRaw(ctx, entry.backend, req.Size, req.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(createWritePersistResp{Region: rid.String()})
}

func (p *Provider) handleEagerRead(ctx context.Context, _ fabric.Address, input []byte) ([]byte, error) {
	var req eagerReadReq
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, cmn.Wrap(cmn.CodeInvalidArg, err, "decode eager_read")
	}
	if err := p.eagerBoundCheck(int(req.Size)); err != nil {
		return nil, err
	}
	entry, rid, err := p.resolveRegion(req.Target, req.Region)
	if err != nil {
		return nil, err
	}
	rr, err := entry.backend.ReadRaw(ctx, rid, req.Offset, req.Size)
	if err != nil {
		return nil, err
	}
	defer rr.Release()
	return json.Marshal(eagerReadResp{Data: rr.Bytes})
}

func (p *Provider) handleRead(ctx context.Context, _ fabric.Address, input []byte) ([]byte, error) {
	var req readReq
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, cmn.Wrap(cmn.CodeInvalidArg, err, "decode read")
	}
	entry, rid, err := p.resolveRegion(req.Target, req.Region)
	if err != nil {
		return nil, err
	}
	remote, err := p.resolveRemote(ctx, req.Bulk, req.RemoteAddrStr)
	if err != nil {
		return nil, err
	}
	n, err := entry.backend.ReadBulk(ctx, rid, req.RegionOffset, req.Size, p.server, remote)
	if err != nil {
		return nil, err
	}
	return json.Marshal(readResp{BytesRead: n})
}

func (p *Provider) handleGetSize(ctx context.Context, _ fabric.Address, input []byte) ([]byte, error) {
	var req getSizeReq
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, cmn.Wrap(cmn.CodeInvalidArg, err, "decode get_size")
	}
	entry, rid, err := p.resolveRegion(req.Target, req.Region)
	if err != nil {
		return nil, err
	}
	size, err := entry.backend.GetRegionSize(ctx, rid)
	if err != nil {
		return nil, err
	}
	return json.Marshal(getSizeResp{Size: size})
}

// handleGetData exposes a region's raw bytes, only meaningful to a
// client sharing the provider's address space (spec §4.3); over the
// loopback fabric this is simply another RPC round trip, so remote
// clients get a correct-but-pointless copy instead of the shared-memory
// shortcut the real API promises.
func (p *Provider) handleGetData(ctx context.Context, _ fabric.Address, input []byte) ([]byte, error) {
	var req getDataReq
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, cmn.Wrap(cmn.CodeInvalidArg, err, "decode get_data")
	}
	entry, rid, err := p.resolveRegion(req.Target, req.Region)
	if err != nil {
		return nil, err
	}
	data, err := entry.backend.GetRegionData(ctx, rid)
	if err != nil {
		return nil, err
	}
	return json.Marshal(getDataResp{Data: data})
}

func (p *Provider) handleRemove(ctx context.Context, _ fabric.Address, input []byte) ([]byte, error) {
	var req removeReq
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, cmn.Wrap(cmn.CodeInvalidArg, err, "decode remove")
	}
	entry, rid, err := p.resolveRegion(req.Target, req.Region)
	if err != nil {
		return nil, err
	}
	if err := entry.backend.Remove(ctx, rid); err != nil {
		return nil, err
	}
	return json.Marshal(struct{}{})
}

// rpcMover implements backend.Mover by issuing create_write_persist
// against a destination provider over the fabric, exactly the "issues a
// create_write_persist_bulk RPC to the destination provider" migration
// step spec §4.3 describes.
type rpcMover struct {
	server     fabric.Server
	dest       fabric.Address
	destTarget string
}

func (m *rpcMover) PushCreateWritePersist(ctx context.Context, size uint64, local fabric.BulkHandle) (ids.RegionID, error) {
	token, err := m.server.SerializeHandle(local)
	if err != nil {
		return ids.RegionID{}, cmn.Wrap(cmn.CodeMercury, err, "serialize migration handle")
	}
	req := createWritePersistReq{
		Target: m.destTarget,
		Size:   size,
		Bulk:   bulkDescriptor{HandleToken: token, Offset: 0, Length: int64(size)},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return ids.RegionID{}, cmn.Wrap(cmn.CodeInvalidArg, err, "encode migration request")
	}
	out, err := m.server.Call(ctx, m.dest, RPCCreateWritePersist, body)
	if err != nil {
		return ids.RegionID{}, cmn.Propagate(cmn.CodeRemi, err, "migration create_write_persist call")
	}
	var resp createWritePersistResp
	if err := json.Unmarshal(out, &resp); err != nil {
		return ids.RegionID{}, cmn.Wrap(cmn.CodeInvalidArg, err, "decode migration response")
	}
	return parseRegion(resp.Region)
}

func (p *Provider) handleMigrateRegion(ctx context.Context, _ fabric.Address, input []byte) ([]byte, error) {
	var req migrateRegionReq
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, cmn.Wrap(cmn.CodeInvalidArg, err, "decode migrate_region")
	}
	entry, rid, err := p.resolveRegion(req.Target, req.Region)
	if err != nil {
		return nil, err
	}
	destAddr, err := p.server.LookupAddress(ctx, req.DestAddr)
	if err != nil {
		return nil, cmn.Wrap(cmn.CodeInvalidArg, err, "resolve migration destination")
	}
	mover := &rpcMover{server: p.server, dest: destAddr, destTarget: req.DestTarget}
	newRid, err := entry.backend.MigrateRegion(ctx, rid, req.Size, req.RemoveSource, p.server, mover)
	if err != nil {
		return nil, err
	}
	return json.Marshal(migrateRegionResp{Region: newRid.String()})
}

// handleMigrateTarget holds the registry writer lock for the whole
// operation, not just the initial lookup (spec §4.6: "Migrate-target.
// Under the write lock: look up target; look up destination address;
// instruct the file-migration subsystem...; on success, remove the
// target from the local registry"). original_source/src/bake-server.c's
// bake_migrate_target_ult takes ABT_rwlock_wrlock once at the top and
// releases only at `finish:`, after the REMI migration call and the
// registry removal both complete — a concurrent add/remove/migrate on
// this provider must not interleave with an in-flight migration, so the
// lock has to span the destination round trip too, not just the lookup.
func (p *Provider) handleMigrateTarget(ctx context.Context, _ fabric.Address, input []byte) ([]byte, error) {
	var req migrateTargetReq
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, cmn.Wrap(cmn.CodeInvalidArg, err, "decode migrate_target")
	}
	tid, err := parseTarget(req.Target)
	if err != nil {
		return nil, cmn.Wrap(cmn.CodeInvalidArg, err, "parse target")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, err := p.lookupLocked(tid)
	if err != nil {
		return nil, err
	}

	root, files, err := entry.backend.MigrationFiles(ctx)
	if err != nil {
		return nil, cmn.Wrap(cmn.CodeIO, err, "enumerate migration files")
	}
	nlog.Infof("provider: migrate_target %s root=%s files=%v (out-of-band copy required before apply)", tid, root, files)

	destAddr, err := p.server.LookupAddress(ctx, req.DestAddr)
	if err != nil {
		return nil, cmn.Wrap(cmn.CodeInvalidArg, err, "resolve migration destination")
	}
	apply := migrateTargetApplyReq{Target: req.Target, Backend: entry.cfg.Backend, Path: req.DestRoot}
	body, err := json.Marshal(apply)
	if err != nil {
		return nil, cmn.Wrap(cmn.CodeInvalidArg, err, "encode migrate_target_apply")
	}
	out, err := p.server.Call(ctx, destAddr, RPCMigrateTargetApply, body)
	if err != nil {
		return nil, cmn.Propagate(cmn.CodeRemi, err, "migrate_target_apply call")
	}
	var resp migrateTargetApplyResp
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, cmn.Wrap(cmn.CodeInvalidArg, err, "decode migrate_target_apply response")
	}

	if err := p.removeTargetLocked(ctx, tid); err != nil {
		return nil, cmn.Wrap(cmn.CodeIO, err, "detach migrated target")
	}
	return json.Marshal(migrateTargetResp{Target: resp.Target, Root: root, Files: files})
}

// handleMigrateTargetApply is the destination half of migrate_target:
// it opens the target's backend files at their (already copied) local
// path and registers the target under the id its root record names.
func (p *Provider) handleMigrateTargetApply(ctx context.Context, _ fabric.Address, input []byte) ([]byte, error) {
	var req migrateTargetApplyReq
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, cmn.Wrap(cmn.CodeInvalidArg, err, "decode migrate_target_apply")
	}
	tc := cmn.TargetConfig{Path: req.Path, Backend: req.Backend, TransferConcurrency: 1}
	tid, err := p.AddTarget(ctx, tc)
	if err != nil {
		return nil, err
	}
	if tid.String() != req.Target {
		return nil, cmn.NewError(cmn.CodeInvalidArg, "migrated target id mismatch: expected "+req.Target+" got "+tid.String())
	}
	return json.Marshal(migrateTargetApplyResp{Target: tid.String()})
}

func (p *Provider) handleShutdown(context.Context, fabric.Address, []byte) ([]byte, error) {
	defer p.Shutdown()
	return json.Marshal(struct{}{})
}
