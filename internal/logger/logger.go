package logger

import (
	"go.uber.org/zap"
)

// New builds the service logger. Development mode uses the console
// encoder with debug level; production uses sampled JSON.
func New(development bool) (*zap.SugaredLogger, error) {
	var l *zap.Logger
	var err error
	if development {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}
