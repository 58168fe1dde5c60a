// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package engine

import (
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/softraid/internal/core"
	"github.com/westerndigitalcorporation/softraid/pkg/blockio"
)

func (n *Node) runIO(it ioItem) {
	if it.done {
		n.ioDone(it)
	} else {
		n.ioStart(it.vol, it.bp)
	}
}

// ioStart admits a client request: it is either parked behind a range lock or
// handed to the transform.
func (n *Node) ioStart(v *Volume, bp *blockio.Bio) {
	bp.Driver = v
	if v.freed || v.provider == nil || v.tr == nil {
		bp.Deliver(core.ErrIO.Error())
		return
	}
	switch bp.Cmd {
	case blockio.CmdRead, blockio.CmdWrite, blockio.CmdDelete, blockio.CmdFlush:
	default:
		bp.Deliver(core.ErrNotSupported.Error())
		return
	}
	if bp.Offset < 0 || bp.Length < 0 || bp.End() > v.mediaSize {
		log.V(1).Infof("%s: %s out of range", v, bp)
		bp.Deliver(blockio.ErrOutOfRange)
		return
	}

	now := time.Now()
	v.lastIO = now
	if bp.IsWrite() {
		v.lastWrite = now
		if !v.dirty {
			v.markDirty(true)
		}
	}

	if bp.Flags&blockio.FlagSync == 0 && v.lockedBy(bp) != nil {
		log.V(2).Infof("%s: parked %s", v, bp)
		metricParked.WithLabelValues(n.name, v.name).Inc()
		v.parked = append(v.parked, bp)
		return
	}

	v.inflight[bp] = opm.Start(n.name, v.name, bp.Cmd.String())
	log.V(2).Infof("%s: start %s", v, bp)
	v.tr.IOStart(v, bp)
}

// ioDone hands a completed subdisk request to the transform.
func (n *Node) ioDone(it ioItem) {
	v := it.sd.vol
	v.outstanding--
	it.bp.Offset -= it.base
	if v.freed || v.tr == nil {
		log.Errorf("%s: completion after free: %s", it.sd, it.bp)
		return
	}
	v.tr.IODone(it.sd, it.bp)
}

// Deliver completes client request 'bp' with 'err'. Transforms call this
// exactly once per request they got through IOStart.
func (v *Volume) Deliver(bp *blockio.Bio, err error) {
	lm, ok := v.inflight[bp]
	if !ok {
		log.Errorf("%s: delivering unknown request %s", v, bp)
		bp.Deliver(err)
		return
	}
	delete(v.inflight, bp)
	if bp.IsWrite() {
		v.writeDone(bp)
	}

	if err != nil {
		lm.Failed()
		log.V(1).Infof("%s: %s failed: %s", v, bp, err)
	} else if !bp.Start.IsZero() {
		v.latency.Insert(time.Since(bp.Start).Seconds())
	}
	lm.End()
	bp.Deliver(err)
}
