// Package containermgr enforces lifecycle rules, image policy, resource and
// security defaults, and persistent-vs-transient semantics on top of the
// runtime adapter and state store. It owns spawn/attach/kill/resolve and is
// the only package that translates a policy-level request into a hardened
// runtime.ContainerConfig.
package containermgr
