package mocks

//go:generate mockery --name TransactionStore --srcpkg github.com/moneta-lab/project-moneta/internal/core/storage --output ./storage --outpkg storagemocks --with-expecter
//go:generate mockery --name Store --srcpkg github.com/moneta-lab/project-moneta/internal/analytics --output ./analytics --outpkg analyticsmocks --with-expecter
