/*
Package runtime drives application containers through containerd.

The ContainerRuntime interface is what the local backend programs
against; ContainerdRuntime is the production implementation. Container
names double as containerd IDs, so a create collision is detectable as
a conflict and recoverable by inspecting the existing container.
Containers are created with the containerd restart monitor label so a
crashed process is revived without controller involvement; Inspect
surfaces that window as StatusRestarting.

Task output goes to a per-container log file, which Logs serves with
tail and follow semantics.
*/
package runtime
