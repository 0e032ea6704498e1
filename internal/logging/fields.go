package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/calvinalkan/smpcache/internal/config"
	"github.com/calvinalkan/smpcache/pkg/store"
)

// WorkerFields identifies the worker and segment set in every record.
func WorkerFields(cfg config.Config, session string) logrus.Fields {
	return logrus.Fields{
		"worker":      cfg.WorkerID,
		"workers":     cfg.Workers,
		"segment_dir": cfg.SegmentDirAbs,
		"name":        cfg.Name,
		"session":     session,
	}
}

// EntryFields describes a store entry for command logs.
func EntryFields(e *store.Entry) logrus.Fields {
	return logrus.Fields{
		"key":          e.Key().String(),
		"url":          e.URL(),
		"store_status": e.StoreStatus().String(),
		"swap_status":  e.SwapStatus().String(),
		"swap_filen":   e.SwapFilen(),
		"size":         e.SwapFileSize(),
	}
}
