package logging

import (
	"go.uber.org/zap"
	"k8s.io/client-go/rest"
)

// WarningHandler routes API server warning headers into the operational log
// at WARNING so they pass through the same suppression patterns.
type WarningHandler struct {
	Logger *zap.SugaredLogger
}

var _ rest.WarningHandler = WarningHandler{}

// HandleWarningHeader implements rest.WarningHandler.
func (h WarningHandler) HandleWarningHeader(code int, agent string, text string) {
	if code != 299 || text == "" {
		return
	}
	h.Logger.Warnf("API server warning: %s", text)
}
