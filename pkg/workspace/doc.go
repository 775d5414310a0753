// Package workspace implements the filesystem gateway exposed to clients as
// fs_read/fs_write/fs_delete/fs_stat/fs_list/fs_batch/tar_export/tar_import. Every
// container's workspace volume is bind-mounted into the container at
// /workspace and, because the runtime adapter bind-mounts it from a
// known host directory, the gateway operates directly on that host
// directory rather than proxying every call through a container exec.
// Path containment is enforced on every call: no operation may resolve,
// after normalization and symlink resolution, to anything outside that
// host directory.
package workspace
