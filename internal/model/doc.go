// Package model defines the shared types that flow between the operation
// queue, the batch executor, and the conflict resolution pipeline.
//
// Types here are plain data with JSON tags for durable storage. Behavior
// lives in the packages that own each lifecycle:
//
//   - queue owns Operation status transitions
//   - engine owns ConflictDescriptor creation and destruction
//   - engine owns SyncResult and Progress emission
package model
