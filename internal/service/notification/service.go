// Package notification drives the per-subscription threshold state machine.
// Each (subscription, threshold) pair moves pending→fired exactly once; the
// flag write is atomic in the store, and delivery outcome never rolls a
// fired threshold back.
package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oplink/clinic-tracker/internal/model"
	"github.com/oplink/clinic-tracker/internal/notifier"
	"github.com/oplink/clinic-tracker/internal/repository"
	"github.com/oplink/clinic-tracker/pkg/logger"
	"github.com/oplink/clinic-tracker/pkg/messaging"
	"github.com/oplink/clinic-tracker/pkg/metrics"
)

type Service interface {
	// CheckAndNotify evaluates every active subscription for the session
	// date against its latest merged snapshot. Called after each tracked
	// scrape cycle.
	CheckAndNotify(ctx context.Context, sessionDate string) error
}

type service struct {
	subs          repository.SubscriptionRepository
	snapshots     repository.SnapshotRepository
	logs          repository.NotificationLogRepository
	channels      []notifier.Channel
	broker        messaging.Broker
	brokerChannel string
	logger        *logger.Logger
	metrics       *metrics.Metrics
}

func NewService(
	subs repository.SubscriptionRepository,
	snapshots repository.SnapshotRepository,
	logs repository.NotificationLogRepository,
	channels []notifier.Channel,
	broker messaging.Broker,
	brokerChannel string,
	log *logger.Logger,
	m *metrics.Metrics,
) Service {
	return &service{
		subs:          subs,
		snapshots:     snapshots,
		logs:          logs,
		channels:      channels,
		broker:        broker,
		brokerChannel: brokerChannel,
		logger:        log,
		metrics:       m,
	}
}

func (s *service) CheckAndNotify(ctx context.Context, sessionDate string) error {
	subs, err := s.subs.ListActiveForDate(ctx, sessionDate)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions for %s: %w", sessionDate, err)
	}

	s.logger.Info("notification check started", "session_date", sessionDate, "subscriptions", len(subs))

	for _, sub := range subs {
		if err := s.processSubscription(ctx, sub); err != nil {
			s.logger.Error(err, "failed to process subscription", "subscription_id", sub.ID.String())
		}
	}
	return nil
}

func (s *service) processSubscription(ctx context.Context, sub *model.TrackingSubscription) error {
	snap, err := s.snapshots.GetLatest(ctx, sub.DoctorID, sub.SessionDate, sub.SessionType)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if snap == nil || snap.CurrentNumber == nil {
		s.logger.Debug("no live progress for subscription yet",
			"subscription_id", sub.ID.String(), "session_type", string(sub.SessionType))
		return nil
	}

	target := sub.TargetNumber(snap)
	remaining, ok := snap.RemainingAhead(target)
	if !ok {
		return nil
	}

	// Queue already past the user's number: retire the remaining thresholds
	// silently rather than alerting for a missed session.
	missed := *snap.CurrentNumber > target

	for _, threshold := range model.Thresholds {
		if !sub.ThresholdEnabled(threshold) || sub.ThresholdNotified(threshold) {
			continue
		}
		if missed {
			if _, err := s.subs.MarkNotified(ctx, sub.ID, threshold); err != nil {
				s.logger.Error(err, "failed to retire missed threshold",
					"subscription_id", sub.ID.String(), "threshold", threshold)
				continue
			}
			sub.SetNotified(threshold)
			continue
		}
		if remaining > threshold {
			continue
		}

		// Flip the flag first; losing the race means another cycle already
		// fired this threshold.
		fired, err := s.subs.MarkNotified(ctx, sub.ID, threshold)
		if err != nil {
			s.logger.Error(err, "failed to mark threshold notified",
				"subscription_id", sub.ID.String(), "threshold", threshold)
			continue
		}
		if !fired {
			continue
		}
		sub.SetNotified(threshold)
		s.metrics.ThresholdsFired.WithLabelValues(fmt.Sprintf("%d", threshold)).Inc()

		s.sendAlerts(ctx, sub, snap, remaining, threshold)
	}
	return nil
}

// sendAlerts fans one fired threshold out to every enabled channel, writing
// one audit row per attempt. Failures are recorded, not retried.
func (s *service) sendAlerts(ctx context.Context, sub *model.TrackingSubscription, snap *model.AppointmentSnapshot, remaining, threshold int) {
	msg := notifier.BuildAlert(notifier.AlertContext{
		HospitalName:      sub.HospitalName,
		DepartmentName:    sub.DepartmentName,
		DoctorName:        sub.DoctorName,
		ClinicRoom:        snap.ClinicRoom,
		SessionDate:       sub.SessionDate,
		SessionLabel:      sub.SessionType.Label(),
		CurrentNumber:     *snap.CurrentNumber,
		Remaining:         remaining,
		Threshold:         threshold,
		AppointmentNumber: sub.AppointmentNumber,
	})

	var attempted []string
	for _, channel := range s.channels {
		recipient, enabled := s.recipientFor(sub, channel.Name())
		if !enabled {
			continue
		}
		attempted = append(attempted, channel.Name())

		result := channel.Send(ctx, recipient, msg)
		if result.Success {
			s.metrics.NotificationsSent.WithLabelValues(channel.Name()).Inc()
		} else {
			s.metrics.NotificationsFailed.WithLabelValues(channel.Name()).Inc()
			s.logger.Warn("notification delivery failed",
				"subscription_id", sub.ID.String(),
				"channel", channel.Name(),
				"threshold", threshold,
				"error", result.ErrorMessage)
		}

		s.writeLog(ctx, sub, snap, threshold, channel.Name(), recipient, msg, result)
	}

	if len(attempted) == 0 {
		s.logger.Warn("threshold fired with no deliverable channel",
			"subscription_id", sub.ID.String(), "threshold", threshold)
		return
	}

	s.publishEvent(ctx, sub, threshold, remaining, attempted)
}

func (s *service) recipientFor(sub *model.TrackingSubscription, channelName string) (string, bool) {
	switch channelName {
	case model.ChannelEmail:
		if !sub.NotifyEmail || sub.UserEmail == nil {
			return "", false
		}
		return *sub.UserEmail, true
	case model.ChannelPush:
		if !sub.NotifyPush || sub.PushUserID == nil {
			return "", false
		}
		return *sub.PushUserID, true
	}
	return "", false
}

func (s *service) writeLog(ctx context.Context, sub *model.TrackingSubscription, snap *model.AppointmentSnapshot, threshold int, channel, recipient string, msg notifier.Message, result notifier.Result) {
	message := msg.Text
	if channel == model.ChannelEmail {
		message = msg.Subject
	}

	entry := &model.NotificationLog{
		SubscriptionID: sub.ID,
		DoctorID:       &sub.DoctorID,
		HospitalName:   sub.HospitalName,
		DepartmentName: sub.DepartmentName,
		ClinicRoom:     snap.ClinicRoom,
		SessionDate:    sub.SessionDate,
		CurrentNumber:  snap.CurrentNumber,
		Threshold:      threshold,
		Channel:        channel,
		Recipient:      recipient,
		Message:        message,
		Success:        result.Success,
		HTTPStatus:     result.HTTPStatus,
		SentAt:         time.Now().UTC(),
	}
	if result.ErrorMessage != "" {
		errMsg := result.ErrorMessage
		entry.ErrorMessage = &errMsg
	}

	if err := s.logs.Create(ctx, entry); err != nil {
		s.logger.Error(err, "failed to write notification log",
			"subscription_id", sub.ID.String(), "channel", channel)
	}
}

func (s *service) publishEvent(ctx context.Context, sub *model.TrackingSubscription, threshold, remaining int, channels []string) {
	if s.broker == nil {
		return
	}
	event := &model.NotificationEvent{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		Threshold:      threshold,
		Remaining:      remaining,
		Channels:       channels,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.broker.Publish(ctx, s.brokerChannel, event); err != nil {
		s.logger.Warn("failed to publish notification event",
			"subscription_id", sub.ID.String(), "error", err.Error())
	}
}
