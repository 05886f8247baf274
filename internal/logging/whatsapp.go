package logging

import (
	"fmt"

	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
)

// whatsApp adapts a zap logger to whatsmeow's logging interface.
type whatsApp struct {
	logger *zap.Logger
}

// WhatsApp returns a whatsmeow logger that writes through logger under the
// given module name.
func WhatsApp(logger *zap.Logger, module string) waLog.Logger {
	return &whatsApp{logger: logger.Named(module)}
}

func (w *whatsApp) Errorf(msg string, args ...any) { w.logger.Error(fmt.Sprintf(msg, args...)) }
func (w *whatsApp) Warnf(msg string, args ...any)  { w.logger.Warn(fmt.Sprintf(msg, args...)) }
func (w *whatsApp) Infof(msg string, args ...any)  { w.logger.Info(fmt.Sprintf(msg, args...)) }
func (w *whatsApp) Debugf(msg string, args ...any) { w.logger.Debug(fmt.Sprintf(msg, args...)) }

func (w *whatsApp) Sub(module string) waLog.Logger {
	return &whatsApp{logger: w.logger.Named(module)}
}
