/*
Package registry abstracts the container registry the platform pushes
built images to and the backends pull from.

Two providers exist. The ECR provider assumes an IAM role per call and
mints short-lived authorization tokens; it also owns per-project
repositories and implements RepositoryManager. The OCI provider relies
on client-side docker login and returns empty credentials.

The package also hosts the repository finalizer controller, the
reference implementation of the finalizer protocol: a provision loop
creates a repository for every live project and adds the
"ecr.aws/repository" finalizer, and a cleanup loop releases the
repository (delete or tag orphaned) for deleting projects before
removing the finalizer again.
*/
package registry
