// Package transfer moves file content between MEGA and local disk.
//
// An Engine drives one task at a time: it negotiates a content URL through
// the protocol client, splits the byte range into sections, fetches or posts
// them with bounded fan-out, applies the content cipher at each offset, and
// feeds the MAC accumulator strictly in offset order. Downloads land in a
// .partial file and are renamed only after the MAC matches the key's tag;
// section completion is persisted through the checkpoint store so an
// interrupted download resumes where it left off.
//
// A Scheduler runs many tasks at once: submissions queue first in, first
// out, a fixed pool of workers executes them, and a weighted semaphore caps
// the total concurrency cost. Tasks can be paused, resumed and cancelled
// individually; lifecycle events stream over a channel.
package transfer
