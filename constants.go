package qdma

import "time"

// TotalQ is the hard ceiling on hardware queue identifiers (spec.md
// §3: "TOTAL_Q ≤ 2048").
const TotalQ = 2048

// CSRArraySize is the length of each global CSR table (ring-size,
// completion-ring-size, buffer-size, timer, counter-threshold):
// spec.md §6 indices run [0, 15], matching the source's
// QDMA_GLOBAL_CSR_ARRAY_SZ (qdma_mbox.h / libqdma_export.h).
const CSRArraySize = 16

// DefaultDescRngSz is the global descriptor-ring-size table, indexed
// by Config.DescRngSzIdx / CmplRngSzIdx. Values mirror the shipping
// Xilinx QDMA driver's default CSR programming: index 0 is the
// reserved/invalid slot, the remainder a spread from small debug
// rings up to the maximum the hardware advertises.
var DefaultDescRngSz = [CSRArraySize]uint32{
	0, 64, 128, 256, 512, 1024, 2048, 4096,
	8192, 16384, 32768, 65536, 131072, 262144, 524288, 2049,
}

// DefaultC2HBufSz is the global C2H buffer-size table (bytes). The
// descq package does not read this table: a streaming C2H queue
// derives its buffer size from Config.C2HBufSzIdx as
// 1 << (C2HBufSzIdx+7), so the same index can name a different size
// here (index 5: 3968 in this table, 4096 in the queue).
var DefaultC2HBufSz = [CSRArraySize]uint32{
	4096, 256, 512, 1024, 2048, 3968, 4096, 8192,
	16384, 32768, 65536, 131072, 2097152, 4194304, 8388608, 4096,
}

// DefaultTimerCnt is the global CMPT timer-threshold table
// (microseconds), indexed by Config.CmplTimerIdx.
var DefaultTimerCnt = [CSRArraySize]uint32{
	1, 2, 4, 5, 8, 10, 15, 20, 25, 30, 50, 75, 100, 125, 150, 200,
}

// DefaultCntTh is the global CMPT counter-threshold table, indexed by
// Config.CmplCntThIdx and adjusted at runtime by the adaptive
// threshold logic (spec.md §4.3.5 step 5).
var DefaultCntTh = [CSRArraySize]uint32{
	2, 4, 8, 16, 24, 32, 48, 64, 80, 96, 112, 128, 144, 160, 176, 192,
}

// DefaultApertureSize is the descriptor flag_len cap a queue uses when
// its ApertureSize is 0 (spec.md §4.3.3: "capped at the aperture size
// (default 2^28 - 1)"). An ApertureSize of 0 also means no keyhole
// wraparound; keyhole mode needs an explicit power-of-two size.
const DefaultApertureSize = (1 << 28) - 1

// DefaultPidxAcc is the PIDX coalescing threshold default (spec.md
// §6: "default small (e.g. 8)").
const DefaultPidxAcc = 8

// PendListCompletionTimeout bounds queue_stop's wait for the
// pending-list to drain (spec.md §5, §4.3.1 "stop").
const PendListCompletionTimeout = 1000 * time.Millisecond

// MailboxRoundTripTimeout is the default per-message mailbox
// round-trip timeout (spec.md §4.5, matching the source's
// QDMA_MBOX_MSG_TIMEOUT_MS).
const MailboxRoundTripTimeout = 10 * time.Second

