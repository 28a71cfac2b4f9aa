package k8s

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func runningStatus(startedAt time.Time) corev1.ContainerStatus {
	return corev1.ContainerStatus{State: corev1.ContainerState{
		Running: &corev1.ContainerStateRunning{StartedAt: metav1.NewTime(startedAt)},
	}}
}

func terminatedStatus(startedAt, finishedAt time.Time) corev1.ContainerStatus {
	return corev1.ContainerStatus{State: corev1.ContainerState{
		Terminated: &corev1.ContainerStateTerminated{
			StartedAt:  metav1.NewTime(startedAt),
			FinishedAt: metav1.NewTime(finishedAt),
		},
	}}
}

func TestNewForPod_StillRunningHasNoEndTs(t *testing.T) {
	pod := &corev1.Pod{
		Spec:   corev1.PodSpec{Containers: []corev1.Container{{Name: "main"}}},
		Status: corev1.PodStatus{ContainerStatuses: []corev1.ContainerStatus{runningStatus(time.Unix(100, 0))}},
	}
	data, err := NewForPod(pod)
	require.NoError(t, err)
	assert.True(t, data.IsRunning())
	assert.Equal(t, int64(100), data.StartTs)
}

func TestNewForPod_AllTerminatedIsFinished(t *testing.T) {
	pod := &corev1.Pod{
		Spec: corev1.PodSpec{Containers: []corev1.Container{{Name: "a"}, {Name: "b"}}},
		Status: corev1.PodStatus{ContainerStatuses: []corev1.ContainerStatus{
			terminatedStatus(time.Unix(100, 0), time.Unix(110, 0)),
			terminatedStatus(time.Unix(105, 0), time.Unix(120, 0)),
		}},
	}
	data, err := NewForPod(pod)
	require.NoError(t, err)
	assert.True(t, data.IsFinished())
	assert.Equal(t, int64(100), data.StartTs)
	assert.Equal(t, int64(120), data.EndTs)
}

func TestNewForPod_PartiallyTerminatedStaysOpen(t *testing.T) {
	pod := &corev1.Pod{
		Spec: corev1.PodSpec{Containers: []corev1.Container{{Name: "a"}, {Name: "b"}}},
		Status: corev1.PodStatus{ContainerStatuses: []corev1.ContainerStatus{
			terminatedStatus(time.Unix(100, 0), time.Unix(110, 0)),
			runningStatus(time.Unix(105, 0)),
		}},
	}
	data, err := NewForPod(pod)
	require.NoError(t, err)
	assert.True(t, data.IsRunning())
	assert.Equal(t, int64(100), data.StartTs)
}

func TestNewForPod_InitContainerCanOnlyPullStartEarlier(t *testing.T) {
	pod := &corev1.Pod{
		Spec: corev1.PodSpec{Containers: []corev1.Container{{Name: "a"}}},
		Status: corev1.PodStatus{
			InitContainerStatuses: []corev1.ContainerStatus{terminatedStatus(time.Unix(50, 0), time.Unix(90, 0))},
			ContainerStatuses:     []corev1.ContainerStatus{terminatedStatus(time.Unix(100, 0), time.Unix(110, 0))},
		},
	}
	data, err := NewForPod(pod)
	require.NoError(t, err)
	assert.True(t, data.IsFinished())
	assert.Equal(t, int64(50), data.StartTs, "init container start pulls StartTs earlier")
	assert.Equal(t, int64(110), data.EndTs, "init container finish does not gate EndTs")
}

func TestPodLifecycleData_Compare(t *testing.T) {
	cases := []struct {
		name     string
		a, b     PodLifecycleData
		expected Ordering
	}{
		{"empty-empty", Empty, Empty, OrderEqual},
		{"empty-running", Empty, Running(1), OrderLess},
		{"running-empty", Running(1), Empty, OrderGreater},
		{"running-running-same", Running(5), Running(5), OrderEqual},
		{"running-running-diff", Running(5), Running(6), OrderIncomparable},
		{"running-finished-same-start", Running(5), Finished(5, 10), OrderLess},
		{"finished-running-same-start", Finished(5, 10), Running(5), OrderGreater},
		{"finished-running-diff-start", Finished(5, 10), Running(6), OrderIncomparable},
		{"finished-finished-same", Finished(5, 10), Finished(5, 10), OrderEqual},
		{"finished-finished-diff", Finished(5, 10), Finished(5, 11), OrderIncomparable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.a.Compare(tc.b))
		})
	}
}

func TestPodLifecycleData_GreaterThan(t *testing.T) {
	assert.True(t, Finished(5, 10).GreaterThan(Running(5)))
	assert.False(t, Running(5).GreaterThan(Finished(5, 10)))
	assert.False(t, Running(5).GreaterThan(Running(6)), "incomparable is not greater-than")
}

func TestPodLifecycleData_Overlaps(t *testing.T) {
	assert.True(t, Running(5).Overlaps(0, 10), "running pod overlaps any window ending after its start")
	assert.False(t, Running(20).Overlaps(0, 10))
	assert.True(t, Finished(5, 15).Overlaps(10, 20), "end falls inside window")
	assert.True(t, Finished(5, 15).Overlaps(0, 10), "start falls inside window")
	assert.False(t, Finished(5, 6).Overlaps(10, 20))
	assert.False(t, Empty.Overlaps(0, 100))
}

func TestGuessFinishedLifecycle_TrustsAlreadyFinishedPod(t *testing.T) {
	pod := &corev1.Pod{
		Spec: corev1.PodSpec{Containers: []corev1.Container{{Name: "a"}}},
		Status: corev1.PodStatus{ContainerStatuses: []corev1.ContainerStatus{
			terminatedStatus(time.Unix(5, 0), time.Unix(10, 0)),
		}},
	}
	data, err := GuessFinishedLifecycle(pod, Empty, 100)
	require.NoError(t, err)
	assert.Equal(t, Finished(5, 10), data)
}

func TestGuessFinishedLifecycle_PromotesRunningToFinishedAtNow(t *testing.T) {
	pod := &corev1.Pod{
		Spec:   corev1.PodSpec{Containers: []corev1.Container{{Name: "a"}}},
		Status: corev1.PodStatus{ContainerStatuses: []corev1.ContainerStatus{runningStatus(time.Unix(5, 0))}},
	}
	data, err := GuessFinishedLifecycle(pod, Empty, 100)
	require.NoError(t, err)
	assert.Equal(t, Finished(5, 100), data)
}

func TestGuessFinishedLifecycle_BackfillsFromCurrentWhenPodHasNoStatus(t *testing.T) {
	pod := &corev1.Pod{Spec: corev1.PodSpec{Containers: []corev1.Container{{Name: "a"}}}}
	data, err := GuessFinishedLifecycle(pod, Running(5), 100)
	require.NoError(t, err)
	assert.Equal(t, Finished(5, 100), data)
}

func TestGuessFinishedLifecycle_BackfillsFromCreationTimestamp(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{CreationTimestamp: metav1.NewTime(time.Unix(3, 0))},
		Spec:       corev1.PodSpec{Containers: []corev1.Container{{Name: "a"}}},
	}
	data, err := GuessFinishedLifecycle(pod, Empty, 100)
	require.NoError(t, err)
	assert.Equal(t, Finished(3, 100), data)
}

func TestGuessFinishedLifecycle_NoDataAtAllErrors(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Namespace: "sims", Name: "p1"},
		Spec:       corev1.PodSpec{Containers: []corev1.Container{{Name: "a"}}},
	}
	_, err := GuessFinishedLifecycle(pod, Empty, 100)
	assert.Error(t, err)
}
