/*
Copyright 2022.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package v1alpha1 contains the Simulation and SimulationRoot API types.
package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// SimulationState is the phase a Simulation occupies in the state machine
// described by the controller's reconcile loop.
type SimulationState string

const (
	SimulationStateInitializing SimulationState = "Initializing"
	SimulationStateBlocked      SimulationState = "Blocked"
	SimulationStateRunning      SimulationState = "Running"
	SimulationStatePaused       SimulationState = "Paused"
	SimulationStateFinished     SimulationState = "Finished"
	SimulationStateFailed       SimulationState = "Failed"
	SimulationStateRetrying     SimulationState = "Retrying"
)

// DriverSpec configures the replay driver Job the controller provisions.
type DriverSpec struct {
	Image           string `json:"image"`
	Namespace       string `json:"namespace"`
	Port            int32  `json:"port"`
	TracePath       string `json:"tracePath"`
	VirtualNsPrefix string `json:"virtualNsPrefix,omitempty"`
}

// MetricsConfig controls the optional Prometheus object provisioned
// alongside the driver.
type MetricsConfig struct {
	Enabled                bool     `json:"enabled,omitempty"`
	PodMonitorNamespaces   []string `json:"podMonitorNamespaces,omitempty"`
	PodMonitorNames        []string `json:"podMonitorNames,omitempty"`
	ServiceMonitorNames    []string `json:"serviceMonitorNames,omitempty"`
	ServiceMonitorNsNames  []string `json:"serviceMonitorNamespaces,omitempty"`
	PrometheusShards       *int32   `json:"prometheusShards,omitempty"`
}

// HooksSpec names lifecycle hooks the driver runs around the replay loop.
type HooksSpec struct {
	PreStart []string `json:"preStart,omitempty"`
	PreRun   []string `json:"preRun,omitempty"`
	PostRun  []string `json:"postRun,omitempty"`
}

// SimulationSpec is the desired state of a Simulation.
type SimulationSpec struct {
	Driver      DriverSpec     `json:"driver"`
	Duration    string         `json:"duration,omitempty"`
	Speed       float64        `json:"speed,omitempty"`
	PausedTime  *metav1.Time   `json:"pausedTime,omitempty"`
	Repetitions int32          `json:"repetitions,omitempty"`
	Metrics     *MetricsConfig `json:"metrics,omitempty"`
	Hooks       *HooksSpec     `json:"hooks,omitempty"`

	// UseCertManager controls whether the driver TLS secret is provisioned
	// via cert-manager or expected to pre-exist.
	UseCertManager bool `json:"useCertManager,omitempty"`
}

// EffectiveSpeed returns the configured replay speed, defaulting to 1.0
// when unset or non-positive.
func (s *SimulationSpec) EffectiveSpeed() float64 {
	if s.Speed <= 0 {
		return 1.0
	}
	return s.Speed
}

// SimulationStatus is the observed state of a Simulation.
type SimulationStatus struct {
	State              SimulationState `json:"state,omitempty"`
	StartTime          *metav1.Time    `json:"startTime,omitempty"`
	EndTime            *metav1.Time    `json:"endTime,omitempty"`
	CompletedRuns       int32           `json:"completedRuns,omitempty"`
	ObservedGeneration int64           `json:"observedGeneration,omitempty"`
	Reason             string          `json:"reason,omitempty"`
	Message            string          `json:"message,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Namespaced

// Simulation is the custom resource driving a single trace replay.
type Simulation struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   SimulationSpec   `json:"spec,omitempty"`
	Status SimulationStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// SimulationList is a list of Simulation.
type SimulationList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Simulation `json:"items"`
}

// +kubebuilder:object:root=true
// +kubebuilder:resource:scope=Cluster

// SimulationRoot is the cluster-scoped owner object anchoring the
// cascade-deletion tree for one simulation's resources.
type SimulationRoot struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`
}

// +kubebuilder:object:root=true

// SimulationRootList is a list of SimulationRoot.
type SimulationRootList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []SimulationRoot `json:"items"`
}
