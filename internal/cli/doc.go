// Package cli wires the protocol client, the resume database and the
// transfer scheduler into the command-line downloader.
//
// Each positional argument is either a share link (mega.nz/file/... or
// mega.nz/folder/...) or a slash-separated path into the logged-in account.
// Files are scheduled directly; folders are walked and every file in the
// subtree is scheduled, mirroring the folder structure under the download
// directory. Credentials are taken from configuration when present and
// prompted for otherwise; login happens lazily, on the first argument that
// needs the account tree.
package cli
