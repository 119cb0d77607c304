// Package memory provides functionality for reading and writing the
// virtual memory of a process (or of the kernel) without asking the
// process's operating system for help.
//
// Translated access
//
// AddressSpace pairs physical memory (anything implementing io.ReaderAt,
// and io.WriterAt for writes) with a page table root. A transfer is
// split at 4 KiB page boundaries and every chunk is translated with the
// paging package before a single byte is copied. If any chunk fails to
// translate, nothing is copied and a *TransferError is returned.
//
// Reads are staged in a scratch buffer, so the caller's buffer is left
// untouched when any part of a read fails. Writes cannot be staged:
// if the physical memory fails part way through a write, the chunks
// before the failing one have already been written. TransferError.Done
// reports how many bytes that was.
//
// Command access
//
// AttachSpace performs the same page chunked transfers through the
// process memory commands of the channel package. It exists for regions
// that the translated path cannot reach, such as pages that are not
// present in physical memory.
//
// Both types implement Space, which the rest of this module uses to
// read structures, images, and scan regions.
package memory
