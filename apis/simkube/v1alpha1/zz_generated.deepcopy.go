//go:build !ignore_autogenerated

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

// Code hand-maintained in place of controller-gen output (no code
// generation is run in this environment); kept in sync manually whenever
// a field is added to types.go.

package v1alpha1

import (
	runtime "k8s.io/apimachinery/pkg/runtime"
)

func (in *DriverSpec) DeepCopyInto(out *DriverSpec) {
	*out = *in
}

func (in *DriverSpec) DeepCopy() *DriverSpec {
	if in == nil {
		return nil
	}
	out := new(DriverSpec)
	in.DeepCopyInto(out)
	return out
}

func (in *MetricsConfig) DeepCopyInto(out *MetricsConfig) {
	*out = *in
	if in.PodMonitorNamespaces != nil {
		out.PodMonitorNamespaces = append([]string(nil), in.PodMonitorNamespaces...)
	}
	if in.PodMonitorNames != nil {
		out.PodMonitorNames = append([]string(nil), in.PodMonitorNames...)
	}
	if in.ServiceMonitorNames != nil {
		out.ServiceMonitorNames = append([]string(nil), in.ServiceMonitorNames...)
	}
	if in.ServiceMonitorNsNames != nil {
		out.ServiceMonitorNsNames = append([]string(nil), in.ServiceMonitorNsNames...)
	}
	if in.PrometheusShards != nil {
		shards := *in.PrometheusShards
		out.PrometheusShards = &shards
	}
}

func (in *MetricsConfig) DeepCopy() *MetricsConfig {
	if in == nil {
		return nil
	}
	out := new(MetricsConfig)
	in.DeepCopyInto(out)
	return out
}

func (in *HooksSpec) DeepCopyInto(out *HooksSpec) {
	*out = *in
	out.PreStart = append([]string(nil), in.PreStart...)
	out.PreRun = append([]string(nil), in.PreRun...)
	out.PostRun = append([]string(nil), in.PostRun...)
}

func (in *HooksSpec) DeepCopy() *HooksSpec {
	if in == nil {
		return nil
	}
	out := new(HooksSpec)
	in.DeepCopyInto(out)
	return out
}

func (in *SimulationSpec) DeepCopyInto(out *SimulationSpec) {
	*out = *in
	in.Driver.DeepCopyInto(&out.Driver)
	if in.PausedTime != nil {
		t := in.PausedTime.DeepCopy()
		out.PausedTime = &t
	}
	if in.Metrics != nil {
		out.Metrics = in.Metrics.DeepCopy()
	}
	if in.Hooks != nil {
		out.Hooks = in.Hooks.DeepCopy()
	}
}

func (in *SimulationSpec) DeepCopy() *SimulationSpec {
	if in == nil {
		return nil
	}
	out := new(SimulationSpec)
	in.DeepCopyInto(out)
	return out
}

func (in *SimulationStatus) DeepCopyInto(out *SimulationStatus) {
	*out = *in
	if in.StartTime != nil {
		t := in.StartTime.DeepCopy()
		out.StartTime = &t
	}
	if in.EndTime != nil {
		t := in.EndTime.DeepCopy()
		out.EndTime = &t
	}
}

func (in *SimulationStatus) DeepCopy() *SimulationStatus {
	if in == nil {
		return nil
	}
	out := new(SimulationStatus)
	in.DeepCopyInto(out)
	return out
}

func (in *Simulation) DeepCopyInto(out *Simulation) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	in.Spec.DeepCopyInto(&out.Spec)
	in.Status.DeepCopyInto(&out.Status)
}

func (in *Simulation) DeepCopy() *Simulation {
	if in == nil {
		return nil
	}
	out := new(Simulation)
	in.DeepCopyInto(out)
	return out
}

func (in *Simulation) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

func (in *SimulationList) DeepCopyInto(out *SimulationList) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ListMeta.DeepCopyInto(&out.ListMeta)
	if in.Items != nil {
		items := make([]Simulation, len(in.Items))
		for i := range in.Items {
			in.Items[i].DeepCopyInto(&items[i])
		}
		out.Items = items
	}
}

func (in *SimulationList) DeepCopy() *SimulationList {
	if in == nil {
		return nil
	}
	out := new(SimulationList)
	in.DeepCopyInto(out)
	return out
}

func (in *SimulationList) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

func (in *SimulationRoot) DeepCopyInto(out *SimulationRoot) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
}

func (in *SimulationRoot) DeepCopy() *SimulationRoot {
	if in == nil {
		return nil
	}
	out := new(SimulationRoot)
	in.DeepCopyInto(out)
	return out
}

func (in *SimulationRoot) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

func (in *SimulationRootList) DeepCopyInto(out *SimulationRootList) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ListMeta.DeepCopyInto(&out.ListMeta)
	if in.Items != nil {
		items := make([]SimulationRoot, len(in.Items))
		for i := range in.Items {
			in.Items[i].DeepCopyInto(&items[i])
		}
		out.Items = items
	}
}

func (in *SimulationRootList) DeepCopy() *SimulationRootList {
	if in == nil {
		return nil
	}
	out := new(SimulationRootList)
	in.DeepCopyInto(out)
	return out
}

func (in *SimulationRootList) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}
