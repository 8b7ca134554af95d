// Package daemon supervises one child process per configured operator.
//
// Every recheck interval the daemon spawns any operator whose child is not
// alive. Each spawn attempt counts against the operator's start count; an
// operator that has been started more than max_restarts times and is not
// alive is dropped. Orderly stops (shutdown, restart, reconfigure) give the
// start back so they never count toward the cap.
//
// The daemon reacts to SIGHUP by reloading the configuration, SIGUSR1 by
// restarting every operator, and SIGINT or SIGTERM by stopping them all and
// exiting. A stopped operator receives SIGTERM, then SIGKILL once
// kill_timeout has elapsed.
package daemon
