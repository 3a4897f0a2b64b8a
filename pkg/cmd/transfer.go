package cmd

import (
	"github.com/scigateway/orchestrator/pkg/transfer"
	"github.com/scigateway/orchestrator/pkg/transfer/gridftp"
	"github.com/scigateway/orchestrator/pkg/transfer/http"
	"github.com/scigateway/orchestrator/pkg/transfer/local"
	"github.com/scigateway/orchestrator/pkg/transfer/s3"
	"github.com/scigateway/orchestrator/pkg/transfer/sftp"
	"github.com/scigateway/orchestrator/pkg/transfer/webdav"
)

// ProtocolGroup is a set of URI schemes staged by one input handler.
type ProtocolGroup struct {
	Name    string
	Schemes []string
	Factory transfer.Factory
}

func ProtocolGroups() []ProtocolGroup {
	return []ProtocolGroup{
		{Name: "file", Schemes: []string{"file"}, Factory: local.Factory},
		{Name: "scp", Schemes: []string{"sftp", "scp", "ssh"}, Factory: sftp.Factory},
		{Name: "http", Schemes: []string{"http", "https"}, Factory: http.Factory},
		{Name: "webdav", Schemes: []string{"webdav", "webdavs", "dav", "davs"}, Factory: webdav.Factory},
		{Name: "s3", Schemes: []string{"s3"}, Factory: s3.Factory},
		{Name: "gridftp", Schemes: []string{"gsiftp", "gridftp"}, Factory: gridftp.Factory},
	}
}

// NewTransferRegistry registers every adapter under its schemes.
func NewTransferRegistry() *transfer.Registry {
	registry := transfer.NewRegistry()

	for _, group := range ProtocolGroups() {
		registry.Register(group.Factory, group.Schemes...)
	}

	return registry
}
