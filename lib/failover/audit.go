// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package failover

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const DefaultAuditSubject = "spotrelay.failover"

// An Auditor receives every finalized failover record.
type Auditor interface {
	Audit(ctx context.Context, rec Record) error
}

// LogAuditor logs a one-line summary of each record.
type LogAuditor struct {
	Logger logrus.FieldLogger
}

func (la LogAuditor) Audit(ctx context.Context, rec Record) error {
	logger := la.Logger.WithFields(logrus.Fields{
		"FailoverID": rec.ID,
		"MachineID":  rec.MachineID,
		"Strategy":   rec.Strategy,
		"Elapsed":    rec.Elapsed,
	})
	if rec.Success {
		logger.WithFields(logrus.Fields{
			"StrategySucceeded": rec.StrategySucceeded,
			"NewNodeID":         rec.NewNodeID,
			"NewEndpoint":       rec.NewEndpoint,
		}).Info("failover succeeded")
	} else {
		logger.WithFields(logrus.Fields{
			"FailedPhase": rec.FailedPhase,
			"Error":       rec.Error,
		}).Warn("failover failed")
	}
	return nil
}

// NATSAuditor publishes each record as a JSON message.
type NATSAuditor struct {
	nc      *nats.Conn
	subject string
}

// NewNATSAuditor connects to the NATS server at url. Records are
// published to subject, or DefaultAuditSubject if subject is empty.
// The connection reconnects indefinitely.
func NewNATSAuditor(url, subject string, logger logrus.FieldLogger) (*NATSAuditor, error) {
	if subject == "" {
		subject = DefaultAuditSubject
	}
	logger = logger.WithField("NATSURL", url)
	nc, err := nats.Connect(url,
		nats.Name("spotrelay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("ConnectedURL", nc.ConnectedUrl()).Info("nats reconnected")
		}))
	if err != nil {
		return nil, err
	}
	return &NATSAuditor{nc: nc, subject: subject}, nil
}

func (na *NATSAuditor) Audit(ctx context.Context, rec Record) error {
	if na.nc == nil || na.nc.IsClosed() {
		return errors.New("nats not connected")
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return na.nc.Publish(na.subject, buf)
}

// Close flushes pending messages and closes the connection.
func (na *NATSAuditor) Close() error {
	if na.nc == nil {
		return nil
	}
	err := na.nc.Flush()
	na.nc.Close()
	return err
}
