// Package kube records notifications as Kubernetes Events so they show up in
// cluster tooling next to the workloads running the monitor.
package kube

import (
	"context"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/eventwatch/eventwatch/internal/common"
	"github.com/eventwatch/eventwatch/pkg/watch"
)

const (
	InvolvedKind = "WindowsEventLog"

	ReasonWatchFailed = "WatchFailed"
	ReasonMatched     = "EventMatched"

	LabelMachine = "eventwatch.io/machine"
	LabelLog     = "eventwatch.io/log"
	LabelEventID = "eventwatch.io/event-id"
)

type Sink struct {
	client    kubernetes.Interface
	namespace string
	component string
}

func NewSink(client kubernetes.Interface, namespace, component string) Sink {
	return Sink{
		client:    client,
		namespace: namespace,
		component: component,
	}
}

func (s Sink) Deliver(ctx context.Context, notification watch.Notification) error {
	event := s.toEvent(notification)

	_, err := s.client.CoreV1().Events(s.namespace).Create(ctx, event, metav1.CreateOptions{})
	if err != nil {
		switch {
		case isRetryable(err):
			return common.NewRetryableDeliveryError(err, "failed to create event for %v", notification.ID)
		default:
			return common.NewDeliveryError(err, "failed to create event for %v", notification.ID)
		}
	}

	return nil
}

func (s Sink) toEvent(n watch.Notification) *corev1.Event {
	timestamp := metav1.NewTime(n.Timestamp)

	ret := &corev1.Event{
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.component + "." + n.ID,
			Namespace: s.namespace,
			Labels: map[string]string{
				LabelMachine: labelValue(n.Machine),
				LabelLog:     labelValue(n.Log),
			},
		},
		InvolvedObject: corev1.ObjectReference{
			Kind:      InvolvedKind,
			Namespace: s.namespace,
			Name:      labelValue(n.Machine) + "." + labelValue(n.Log),
		},
		Source: corev1.EventSource{
			Component: s.component,
			Host:      n.Machine,
		},
		FirstTimestamp:      timestamp,
		LastTimestamp:       timestamp,
		Count:               1,
		ReportingController: s.component,
	}

	switch n.Kind {
	case watch.KindWatchFailed:
		ret.Type = corev1.EventTypeWarning
		ret.Reason = ReasonWatchFailed
		ret.Message = n.Description + ": " + n.Reason
	default:
		ret.Type = corev1.EventTypeNormal
		ret.Reason = ReasonMatched
		ret.Message = n.Description
		ret.Labels[LabelEventID] = strconv.Itoa(n.EventID)
	}

	return ret
}

var labelReplacer = strings.NewReplacer(" ", "-", "/", ".", "\\", ".")

// labelValue maps machine and log names such as
// "Microsoft-Windows-Sysmon/Operational" to valid label values.
func labelValue(s string) string {
	return strings.ToLower(labelReplacer.Replace(s))
}

func isRetryable(err error) bool {
	return apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsInternalError(err)
}
